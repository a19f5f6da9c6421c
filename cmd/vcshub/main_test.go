package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/odvcencio/vcshub/internal/config"
	"github.com/odvcencio/vcshub/internal/search"
	"github.com/odvcencio/vcshub/internal/vcs"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "debug")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Debug("hello", "repo", "app")
	if !strings.Contains(buf.String(), `"repo":"app"`) {
		t.Fatalf("json output = %q", buf.String())
	}

	buf.Reset()
	logger, err = newLogger(&buf, "text", "warn")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}

	if _, err := newLogger(&buf, "xml", "info"); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := newLogger(&buf, "text", "loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestParseID(t *testing.T) {
	for in, want := range map[string]int64{"42": 42, "!7": 7, " 3 ": 3} {
		got, err := parseID(in)
		if err != nil || got != want {
			t.Fatalf("parseID(%q) = %d, %v", in, got, err)
		}
	}
	for _, in := range []string{"", "0", "-1", "abc"} {
		if _, err := parseID(in); err == nil {
			t.Fatalf("parseID(%q) succeeded", in)
		}
	}
}

func TestBackendAliases(t *testing.T) {
	cfg := config.Default()
	got, err := backendAliases(cfg)
	if err != nil {
		t.Fatalf("backendAliases: %v", err)
	}
	if len(got) != 3 || got[0] != vcs.AliasGit || got[2] != vcs.AliasSvn {
		t.Fatalf("aliases = %v", got)
	}
	cfg.VCS.Backends = []string{"git", "cvs"}
	if _, err := backendAliases(cfg); err == nil {
		t.Fatal("expected error for cvs")
	}
}

func TestOpenDBRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "oracle"
	if _, err := openDB(cfg); err == nil {
		t.Fatal("expected error")
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	want := []string{"serve", "migrate", "worker", "update", "merge-check", "archive", "search", "cleanup-workspace"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("subcommand %q not registered: %v", name, err)
		}
	}
}

func TestMigrateCommand(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "vcshub.db")
	t.Setenv("VCSHUB_DB_DRIVER", "sqlite")
	t.Setenv("VCSHUB_DB_DSN", dsn)

	root := newRootCommand()
	var stderr bytes.Buffer
	root.SetErr(&stderr)
	root.SetArgs([]string{"migrate", "--log-format", "logfmt"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := os.Stat(dsn); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	if !strings.Contains(stderr.String(), "migrations complete") {
		t.Fatalf("log output = %q", stderr.String())
	}
}

func TestMergeCheckRequiresUserForMerge(t *testing.T) {
	c := &mergeCheckCommand{merge: true}
	err := c.Run(context.Background(), &rootOptions{cfg: config.Default()}, &bytes.Buffer{}, 1)
	if err == nil || !strings.Contains(err.Error(), "--user") {
		t.Fatalf("err = %v", err)
	}
}

func TestPrintMatches(t *testing.T) {
	var buf bytes.Buffer
	printMatches(&buf, []search.FileMatch{{
		Path:    "README",
		Lines:   3,
		Matches: map[int][]search.Offset{3: {{Start: 0, End: 4}, {Start: 6, End: 9}}, 1: {{Start: 2, End: 3}}},
	}})
	want := "README:1: 2-3\nREADME:3: 0-4 6-9\n"
	if buf.String() != want {
		t.Fatalf("output = %q, want %q", buf.String(), want)
	}
}

func TestExporterOptions(t *testing.T) {
	if n := len(exporterOptions("http://collector:4318", false)); n != 2 {
		t.Fatalf("http endpoint options = %d, want endpoint and insecure", n)
	}
	if n := len(exporterOptions("https://collector:4318/otlp/v1/traces", false)); n != 2 {
		t.Fatalf("https endpoint options = %d, want endpoint and path", n)
	}
	if n := len(exporterOptions("collector:4318", true)); n != 2 {
		t.Fatalf("bare endpoint options = %d", n)
	}
}
