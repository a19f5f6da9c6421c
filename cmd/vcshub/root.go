package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/odvcencio/vcshub/internal/config"
)

// Command is a subcommand that registers itself on the root command.
type Command interface {
	Register(parent *cobra.Command, root *rootOptions)
}

type rootOptions struct {
	configPath string
	logFormat  string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "vcshub",
		Short: "Repository backends, merge checks and pull request updates",
		Long: `vcshub serves git, Mercurial and Subversion repositories to the
application over a small RPC protocol, checks and performs pull request
merges in shadow workspaces and keeps pull requests in step with their
branches.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logFormat, opts.logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			opts.logger = logger

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("VCSHUB_CONFIG"), "path to config file")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format: text, json or logfmt")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	commands := []Command{
		&serveCommand{},
		&migrateCommand{},
		&workerCommand{},
		&updateCommand{},
		&mergeCheckCommand{},
		&archiveCommand{},
		&searchCommand{},
		&cleanupWorkspaceCommand{},
	}
	for _, c := range commands {
		c.Register(root, opts)
	}
	return root
}

// newLogger returns a slog logger backed by charmbracelet/log.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := log.Options{Level: lvl, ReportTimestamp: true, Prefix: "vcshub"}
	switch strings.ToLower(format) {
	case "", "text":
		opts.Formatter = log.TextFormatter
	case "json":
		opts.Formatter = log.JSONFormatter
	case "logfmt":
		opts.Formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("invalid --log-format %q (use text, json or logfmt)", format)
	}
	return slog.New(log.NewWithOptions(w, opts)), nil
}
