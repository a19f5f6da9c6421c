package vcs

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// ConfigItem is one (section, key, value) triple as sent over the wire.
type ConfigItem [3]string

func (i ConfigItem) Section() string { return i[0] }
func (i ConfigItem) Key() string     { return i[1] }
func (i ConfigItem) Value() string   { return i[2] }

type configKey struct {
	section string
	key     string
}

// Config is an ordered (section, key) -> value store used to parametrise
// repository operations. Insertion order is kept; re-setting a key keeps its
// original position. Not safe for concurrent mutation.
type Config struct {
	values *linkedhashmap.Map
}

func NewConfig() *Config {
	return &Config{values: linkedhashmap.New()}
}

// ConfigFromItems rebuilds a Config from its serialised form.
func ConfigFromItems(items []ConfigItem) *Config {
	c := NewConfig()
	for _, item := range items {
		c.Set(item.Section(), item.Key(), item.Value())
	}
	return c
}

func (c *Config) Set(section, key, value string) {
	c.values.Put(configKey{section, key}, value)
}

func (c *Config) Get(section, key string) (string, bool) {
	v, ok := c.values.Get(configKey{section, key})
	if !ok {
		return "", false
	}
	return v.(string), true
}

// GetDefault returns the value or def when it is not set.
func (c *Config) GetDefault(section, key, def string) string {
	if v, ok := c.Get(section, key); ok {
		return v
	}
	return def
}

// GetBool interprets the value the way hgrc does.
func (c *Config) GetBool(section, key string) bool {
	v, ok := c.Get(section, key)
	if !ok {
		return false
	}
	switch v {
	case "1", "yes", "true", "on", "True":
		return true
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func (c *Config) Delete(section, key string) {
	c.values.Remove(configKey{section, key})
}

// ClearSection drops every key of section.
func (c *Config) ClearSection(section string) {
	for _, k := range c.values.Keys() {
		if k.(configKey).section == section {
			c.values.Remove(k)
		}
	}
}

// Section returns the keys of section in order.
func (c *Config) Section(section string) [][2]string {
	var out [][2]string
	it := c.values.Iterator()
	for it.Next() {
		k := it.Key().(configKey)
		if k.section == section {
			out = append(out, [2]string{k.key, it.Value().(string)})
		}
	}
	return out
}

// Sections lists section names in first-seen order.
func (c *Config) Sections() []string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range c.values.Keys() {
		s := k.(configKey).section
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Len() int { return c.values.Size() }

// Serialize flattens the config to triples.
func (c *Config) Serialize() []ConfigItem {
	out := make([]ConfigItem, 0, c.values.Size())
	it := c.values.Iterator()
	for it.Next() {
		k := it.Key().(configKey)
		out = append(out, ConfigItem{k.section, k.key, it.Value().(string)})
	}
	return out
}

func (c *Config) Copy() *Config {
	return ConfigFromItems(c.Serialize())
}

func (c *Config) String() string {
	return fmt.Sprintf("<Config(%d sections)>", len(c.Sections()))
}

func (c *Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Serialize())
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var items []ConfigItem
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	*c = *ConfigFromItems(items)
	return nil
}
