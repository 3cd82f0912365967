package imcurate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// strictUnmarshal decodes raw into v, rejecting unknown fields. Empty input
// keeps v at its defaults.
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewProducerFunc builds a producer from its raw JSON options.
type NewProducerFunc func(raw json.RawMessage) (Producer, error)

// NewRuleFunc builds a rule from its raw JSON options.
type NewRuleFunc func(raw json.RawMessage) (Rule, error)

// NewFilterFunc builds a filter from its raw JSON options.
type NewFilterFunc func(raw json.RawMessage) (Filter, error)

// Producers is the producer registry, keyed by config name.
var Producers = map[string]NewProducerFunc{
	"fileinfo": func(raw json.RawMessage) (Producer, error) {
		return FileInfoProducer{}, strictUnmarshal(raw, &struct{}{})
	},
	"shape": func(raw json.RawMessage) (Producer, error) {
		return ShapeProducer{}, strictUnmarshal(raw, &struct{}{})
	},
	"hash": func(raw json.RawMessage) (Producer, error) {
		var opts HashProducer
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return opts, opts.validate()
	},
	"metadata": func(raw json.RawMessage) (Producer, error) {
		return MetadataProducer{}, strictUnmarshal(raw, &struct{}{})
	},
}

// Rules is the rule registry, keyed by config name.
var Rules = map[string]NewRuleFunc{
	"time": func(raw json.RawMessage) (Rule, error) {
		opts := TimeRuleOptions{After: "1980", Before: "2100"}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		r, err := NewTimeRule(opts)
		if err != nil {
			return nil, err
		}
		return r, nil
	},
	"blackwhitelist": func(raw json.RawMessage) (Rule, error) {
		var r ListRule
		if err := strictUnmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, r.validate()
	},
	"total": func(raw json.RawMessage) (Rule, error) {
		r := TotalRule{Limit: 1000}
		if err := strictUnmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, r.validate()
	},
	"resolution": func(raw json.RawMessage) (Rule, error) {
		r := ResolutionRule{MaxRes: 2048, Scale: 4}
		if err := strictUnmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, r.validate()
	},
	"channels": func(raw json.RawMessage) (Rule, error) {
		r := ChannelRule{MinChannels: 1, MaxChannels: 4}
		if err := strictUnmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, r.validate()
	},
	"hash": func(raw json.RawMessage) (Rule, error) {
		var r DedupRule
		if err := strictUnmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, r.validate()
	},
	"license": func(raw json.RawMessage) (Rule, error) {
		r := LicenseRule{BlockStock: true}
		if err := strictUnmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	},
}

// Filters is the filter registry, keyed by config name.
var Filters = map[string]NewFilterFunc{
	"resize": func(raw json.RawMessage) (Filter, error) {
		f := ResizeFilter{Mode: ResizeValue, Scale: 0.5, Algorithms: []string{"bilinear"}, DownUpRange: [2]float64{0.5, 2}}
		if err := strictUnmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	},
	"crop": func(raw json.RawMessage) (Filter, error) {
		var f CropFilter
		if err := strictUnmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	},
	"flip": func(raw json.RawMessage) (Filter, error) {
		f := FlipFilter{XChance: 0.5}
		if err := strictUnmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	},
	"rotate": func(raw json.RawMessage) (Filter, error) {
		f := RotateFilter{Chance: 1, Directions: []int{90, 180, 270}}
		if err := strictUnmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	},
	"blur": func(raw json.RawMessage) (Filter, error) {
		f := BlurFilter{Algorithms: []string{BlurAverage}, Range: [2]int{1, 16}, Scale: 0.25}
		if err := strictUnmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	},
	"noise": func(raw json.RawMessage) (Filter, error) {
		f := NoiseFilter{Algorithms: []string{NoiseUniform}, Range: [2]int{1, 16}, Scale: 0.25}
		if err := strictUnmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	},
	"compress": func(raw json.RawMessage) (Filter, error) {
		f := CompressFilter{Quality: [2]int{30, 95}}
		if err := strictUnmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	},
}

func registryNames[V any](m map[string]V) string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

// build looks name up in m and calls its factory, wrapping failures as config errors.
func build[F ~func(json.RawMessage) (T, error), T any](kind string, m map[string]F, name string, raw json.RawMessage) (T, error) {
	var zero T
	factory, ok := m[name]
	if !ok {
		return zero, configErr("unknown %s %q (known: %s)", kind, name, registryNames(m))
	}
	v, err := factory(raw)
	switch {
	case errors.Is(err, ErrConfig):
		return zero, fmt.Errorf("%s %s: %w", kind, name, err)
	case err != nil:
		return zero, fmt.Errorf("%w: %s %s: %w", ErrConfig, kind, name, err)
	}
	return v, nil
}
