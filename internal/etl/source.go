package etl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ── Source ──────────────────────────────────────────────────
// A Source gives read-only access to a remote document collection.
// Implementations live in etl/sources/, one file per source type.

// Source is the interface every remote collection adapter implements.
// Implementations never retry; failures propagate to the caller.
type Source interface {
	// FetchAll returns every document in the collection, order unspecified.
	FetchAll(ctx context.Context) ([]RawRecord, error)

	// FetchSince returns every document whose ordering field is strictly
	// greater than watermark, order unspecified.
	FetchSince(ctx context.Context, watermark time.Time) ([]RawRecord, error)

	// Close releases connections held by the source.
	Close() error
}

// SourceConfig is an opaque configuration map parsed per source type.
type SourceConfig map[string]any

// Decode decodes the config into a typed options struct (mapstructure tags).
func (c SourceConfig) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(c))
}

// ConfigField describes a single configuration input for a source.
type ConfigField struct {
	Key      string `json:"key"`
	Required bool   `json:"required"`
	Help     string `json:"help,omitempty"`
}

// SourceSpec describes a source type and the config keys it understands.
type SourceSpec struct {
	Type         string        `json:"type"`
	Label        string        `json:"label"`
	ConfigFields []ConfigField `json:"configFields"`
}

// SourceFactory builds a Source from its configuration. orderingField is
// the field FetchSince filters on.
type SourceFactory func(cfg SourceConfig, orderingField string) (Source, error)

// ── Source Registry ────────────────────────────────────────
// Compile-time registration via init() in each source file.

type registration struct {
	spec    SourceSpec
	factory SourceFactory
}

var (
	registryMu sync.RWMutex
	registry   = map[string]registration{}
)

// RegisterSource registers a source factory under spec.Type.
// Called from init() in each source implementation file.
func RegisterSource(spec SourceSpec, f SourceFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[spec.Type] = registration{spec: spec, factory: f}
}

// NewSource builds a registered source, or returns an error if the type is unknown.
func NewSource(typ string, cfg SourceConfig, orderingField string) (Source, error) {
	registryMu.RLock()
	reg, ok := registry[typ]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source type: %q", typ)
	}
	if err := checkRequired(reg.spec, cfg); err != nil {
		return nil, err
	}
	return reg.factory(cfg, orderingField)
}

// ListSources returns the specs of all registered sources, sorted by type.
func ListSources() []SourceSpec {
	registryMu.RLock()
	defer registryMu.RUnlock()
	specs := make([]SourceSpec, 0, len(registry))
	for _, r := range registry {
		specs = append(specs, r.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Type < specs[j].Type })
	return specs
}

func checkRequired(spec SourceSpec, cfg SourceConfig) error {
	for _, f := range spec.ConfigFields {
		if !f.Required {
			continue
		}
		if v, ok := cfg[f.Key]; !ok || v == nil || v == "" {
			return fmt.Errorf("%s source: %q is required", spec.Type, f.Key)
		}
	}
	return nil
}
