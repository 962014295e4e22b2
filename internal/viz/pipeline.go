// Package viz turns a finished answer into chart data with two model calls:
// one extracts a table from the answer, the other picks a chart for it.
package viz

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/suPer8Hu/branchchat/internal/ai"
	"github.com/suPer8Hu/branchchat/internal/config"
	"github.com/suPer8Hu/branchchat/internal/logger"
	"github.com/suPer8Hu/branchchat/internal/wire"
)

const (
	StageExtract = "extract"
	StageChart   = "chart"

	StatusRunning = "running"
	StatusDone    = "done"
	StatusSkipped = "skipped"
	StatusFailed  = "error"
)

const extractInstruction = `You extract tabular data from an assistant answer.
Reply with JSON only, shaped as {"chartable": bool, "columns": [string], "rows": [object]}.
Set chartable to false when the answer has no numbers worth plotting.`

const chartInstruction = `You choose a chart for a table.
Reply with JSON only, shaped as {"type": "bar"|"line"|"pie"|"scatter", "title": string, "x": column, "y": [column]}.`

// Table is the structured data extracted from an answer.
type Table struct {
	Chartable bool             `json:"chartable"`
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
}

// Chart is the rendering hint for a Table.
type Chart struct {
	Type  string   `json:"type"`
	Title string   `json:"title,omitempty"`
	X     string   `json:"x"`
	Y     []string `json:"y"`
}

var chartTypes = map[string]bool{"bar": true, "line": true, "pie": true, "scatter": true}

type Pipeline struct {
	providers *ai.Registry
	catalog   *config.ModelCatalog
	// model overrides the model of the answer when set
	model   string
	maxRows int
	log     *logger.Logger
}

func New(providers *ai.Registry, catalog *config.ModelCatalog, model string, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Nop()
	}
	return &Pipeline{
		providers: providers,
		catalog:   catalog,
		model:     strings.TrimSpace(model),
		maxRows:   200,
		log:       log.With("service", "viz"),
	}
}

// Visualize returns nil blobs when the answer holds nothing to plot.
func (p *Pipeline) Visualize(ctx context.Context, model, question, answer string, emit func(wire.Event)) (json.RawMessage, json.RawMessage, error) {
	if p.model != "" {
		model = p.model
	}
	spec := p.catalog.Resolve(model)
	provider, err := p.providers.Get(ctx, spec.Provider, spec.ID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "viz provider")
	}

	emit(wire.Status{Stage: StageExtract, Status: StatusRunning})
	table, err := p.extract(ctx, provider, spec.ID, question, answer)
	if err != nil {
		emit(wire.Status{Stage: StageExtract, Status: StatusFailed, Message: err.Error()})
		return nil, nil, err
	}
	if !table.Chartable || len(table.Rows) == 0 {
		emit(wire.Status{Stage: StageExtract, Status: StatusSkipped})
		return nil, nil, nil
	}
	data, err := json.Marshal(table)
	if err != nil {
		return nil, nil, err
	}
	emit(wire.Status{Stage: StageExtract, Status: StatusDone})
	emit(wire.StructuredData{Data: data})

	emit(wire.Status{Stage: StageChart, Status: StatusRunning})
	chart, err := p.chart(ctx, provider, spec.ID, data, table)
	if err != nil {
		emit(wire.Status{Stage: StageChart, Status: StatusFailed, Message: err.Error()})
		return data, nil, err
	}
	cfg, err := json.Marshal(chart)
	if err != nil {
		return data, nil, err
	}
	emit(wire.VizConfig{Config: cfg})
	emit(wire.Status{Stage: StageChart, Status: StatusDone})

	p.log.Debug("visualization ready", "model", spec.ID, "rows", len(table.Rows), "chart", chart.Type)
	return data, cfg, nil
}

func (p *Pipeline) extract(ctx context.Context, provider ai.Provider, model, question, answer string) (*Table, error) {
	raw, err := provider.Chat(ctx, ai.Request{
		Model: model,
		Messages: []ai.Message{
			{Role: "system", Content: extractInstruction},
			{Role: "user", Content: "Question:\n" + question + "\n\nAnswer:\n" + answer},
		},
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, errors.Wrap(err, "extract")
	}
	var t Table
	if err := decodeJSON(raw, &t); err != nil {
		return nil, errors.Wrap(err, "extract")
	}
	if len(t.Rows) > p.maxRows {
		t.Rows = t.Rows[:p.maxRows]
	}
	if len(t.Columns) == 0 && len(t.Rows) > 0 {
		for k := range t.Rows[0] {
			t.Columns = append(t.Columns, k)
		}
		sort.Strings(t.Columns)
	}
	return &t, nil
}

func (p *Pipeline) chart(ctx context.Context, provider ai.Provider, model string, data []byte, t *Table) (*Chart, error) {
	raw, err := provider.Chat(ctx, ai.Request{
		Model: model,
		Messages: []ai.Message{
			{Role: "system", Content: chartInstruction},
			{Role: "user", Content: string(data)},
		},
		MaxTokens: 256,
	})
	if err != nil {
		return nil, errors.Wrap(err, "chart")
	}
	var c Chart
	if err := decodeJSON(raw, &c); err != nil {
		return nil, errors.Wrap(err, "chart")
	}
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if !chartTypes[c.Type] {
		return nil, fmt.Errorf("chart: unsupported type %q", c.Type)
	}
	cols := make(map[string]bool, len(t.Columns))
	for _, col := range t.Columns {
		cols[col] = true
	}
	if !cols[c.X] {
		return nil, fmt.Errorf("chart: unknown x column %q", c.X)
	}
	for _, y := range c.Y {
		if !cols[y] {
			return nil, fmt.Errorf("chart: unknown y column %q", y)
		}
	}
	return &c, nil
}

// decodeJSON accepts a bare object or one wrapped in a code fence.
func decodeJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.LastIndex(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		s = strings.TrimSpace(rest)
	}
	if start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); start >= 0 && end > start {
		s = s[start : end+1]
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return errors.Wrap(err, "decode model json")
	}
	return nil
}
