package imcurate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"
)

// Item selects one registered producer, rule or filter. Data is passed to
// the factory as raw JSON. A missing Enabled counts as true.
type Item struct {
	Name    string          `json:"name"`
	Enabled *bool           `json:"enabled,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (it Item) enabled() bool { return it.Enabled == nil || *it.Enabled }

// OutputConfig is the JSON form of an Output.
type OutputConfig struct {
	Folder    string     `json:"folder"`
	Format    string     `json:"format,omitempty"`
	Overwrite bool       `json:"overwrite,omitempty"`
	S3        *S3Options `json:"s3,omitempty"`
	Filters   []Item     `json:"filters,omitempty"`
}

// Document is the configuration file. Rule order is evaluation order and
// filter order is application order.
type Document struct {
	Inputs    []Input        `json:"inputs"`
	Producers []Item         `json:"producers"`
	Rules     []Item         `json:"rules"`
	Outputs   []OutputConfig `json:"outputs"`
}

// LoadConfig reads a Document from path, rejecting unknown fields.
func LoadConfig(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	defer f.Close()
	return DecodeConfig(f)
}

// DecodeConfig parses a Document from r, rejecting unknown fields.
func DecodeConfig(r io.Reader) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return &doc, nil
}

// Encode writes the document as indented JSON.
func (d *Document) Encode(w io.Writer) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

// Pipeline is a fully validated configuration, ready to run.
type Pipeline struct {
	Inputs  []Input
	Plan    *Plan
	Chain   *Chain
	Outputs []*Output
}

// checkSortColumn rejects a candidate order column the plan never fills.
func (p *Pipeline) checkSortColumn(col string) error {
	if col == ColPath {
		return nil
	}
	for _, c := range p.Plan.Columns() {
		if c.Name == col {
			return nil
		}
	}
	return configErr("sort_by column %q is not filled by any selected producer", col)
}

// Build resolves every item against the registries and validates the whole
// pipeline. Every error wraps ErrConfig.
func (d *Document) Build() (*Pipeline, error) {
	if len(d.Inputs) == 0 {
		return nil, configErr("no inputs")
	}
	for _, in := range d.Inputs {
		if err := in.Validate(); err != nil {
			return nil, err
		}
	}

	var producers []Producer
	for _, it := range d.Producers {
		if !it.enabled() {
			continue
		}
		p, err := build("producer", Producers, it.Name, it.Data)
		if err != nil {
			return nil, err
		}
		producers = append(producers, p)
	}
	plan, err := NewPlan(producers)
	if err != nil {
		return nil, err
	}

	var rules []Rule
	for _, it := range d.Rules {
		if !it.enabled() {
			continue
		}
		r, err := build("rule", Rules, it.Name, it.Data)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	chain, err := NewChain(rules, plan.Columns())
	if err != nil {
		return nil, err
	}

	var outputs []*Output
	for _, oc := range d.Outputs {
		var filters []Filter
		for _, it := range oc.Filters {
			if !it.enabled() {
				continue
			}
			f, err := build("filter", Filters, it.Name, it.Data)
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)
		}
		o, err := NewOutput(oc.Folder, oc.Format, oc.Overwrite, filters, oc.S3, plan.Columns())
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, o)
	}

	return &Pipeline{Inputs: d.Inputs, Plan: plan, Chain: chain, Outputs: outputs}, nil
}

// Options tune a run. Zero values mean "use defaults".
type Options struct {
	DBPath              string        // default: DefaultStorePath
	Threads             int           // default: three quarters of the CPUs
	ChunkSize           int           // output jobs per dispatch, default: 5
	PopulationChunkSize int           // files per population merge, default: 100
	Interval            time.Duration // checkpoint interval, default: 60s
	SortBy              string        // candidate order column, default: ColPath
	Simulate            bool          // stop before writing outputs
	Prune               bool          // drop rows whose files vanished before saving
	Seed                uint64        // filter randomness seed, default: time based
}

// defaults fills zero-value fields with sensible defaults.
func (o *Options) defaults() {
	if o.DBPath == "" {
		o.DBPath = DefaultStorePath
	}
	if o.Threads <= 0 {
		o.Threads = max(runtime.NumCPU()*3/4, 1)
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 5
	}
	if o.PopulationChunkSize <= 0 {
		o.PopulationChunkSize = 100
	}
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.SortBy == "" {
		o.SortBy = ColPath
	}
	if o.Seed == 0 {
		o.Seed = uint64(time.Now().UnixNano())
	}
}
