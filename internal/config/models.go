package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultCatalog []byte

// ModelSpec describes the limits of one completion model.
type ModelSpec struct {
	ID                  string `yaml:"id"`
	Provider            string `yaml:"provider"`
	ContextWindow       int    `yaml:"context_window"`
	MaxCompletionTokens int    `yaml:"max_completion_tokens"`
	// Tokenizer names the model whose tokenizer approximates this one.
	Tokenizer string `yaml:"tokenizer,omitempty"`
}

type ModelCatalog struct {
	DefaultProvider            string      `yaml:"default_provider"`
	DefaultContextWindow       int         `yaml:"default_context_window"`
	DefaultMaxCompletionTokens int         `yaml:"default_max_completion_tokens"`
	Models                     []ModelSpec `yaml:"models"`

	byID map[string]ModelSpec
}

// LoadModelCatalog reads the catalog at path, or the embedded default when path is empty.
func LoadModelCatalog(path string) (*ModelCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return ParseModelCatalog(defaultCatalog)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	return ParseModelCatalog(b)
}

func ParseModelCatalog(b []byte) (*ModelCatalog, error) {
	var c ModelCatalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = "openai"
	}
	if c.DefaultContextWindow <= 0 {
		c.DefaultContextWindow = 8192
	}
	if c.DefaultMaxCompletionTokens <= 0 {
		c.DefaultMaxCompletionTokens = 2048
	}
	c.byID = make(map[string]ModelSpec, len(c.Models))
	for i, m := range c.Models {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return nil, fmt.Errorf("model catalog: entry %d has no id", i)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("model catalog: duplicate model %q", id)
		}
		c.byID[id] = c.fill(m)
	}
	return &c, nil
}

// Resolve returns the ModelSpec for id. Unknown models get the catalog defaults.
func (c *ModelCatalog) Resolve(id string) ModelSpec {
	id = strings.TrimSpace(id)
	if m, ok := c.byID[id]; ok {
		return m
	}
	return c.fill(ModelSpec{ID: id})
}

func (c *ModelCatalog) fill(m ModelSpec) ModelSpec {
	m.ID = strings.TrimSpace(m.ID)
	if m.Provider == "" {
		m.Provider = c.DefaultProvider
	}
	m.Provider = strings.ToLower(m.Provider)
	if m.ContextWindow <= 0 {
		m.ContextWindow = c.DefaultContextWindow
	}
	if m.MaxCompletionTokens <= 0 {
		m.MaxCompletionTokens = c.DefaultMaxCompletionTokens
	}
	if m.Tokenizer == "" {
		m.Tokenizer = m.ID
	}
	return m
}
