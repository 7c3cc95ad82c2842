package etl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenameTransform(t *testing.T) {
	tr := &RenameTransform{Mapping: map[string]string{"_id": "id", "ts": "time"}}
	out, keep := tr.Transform(RawRecord{"_id": "a", "ts": "2024-01-01", "margin": 1})
	assert.True(t, keep)
	assert.Equal(t, RawRecord{"id": "a", "time": "2024-01-01", "margin": 1}, out)

	// existing target wins
	out, _ = tr.Transform(RawRecord{"_id": "a", "id": "b"})
	assert.Equal(t, RawRecord{"id": "b"}, out)
}

func TestDefaultValueTransform(t *testing.T) {
	tr := &DefaultValueTransform{Defaults: map[string]any{"margin": 0.0, "pct_margin": 0.0}}
	out, _ := tr.Transform(RawRecord{"margin": nil, "pct_margin": 2.5})
	assert.Equal(t, RawRecord{"margin": 0.0, "pct_margin": 2.5}, out)
}

func TestApplyTransformers_DoesNotMutateInput(t *testing.T) {
	in := RawRecord{"_id": "a"}
	out, keep := ApplyTransformers(in, BuildTransformers(map[string]string{"_id": "id"}, nil))
	assert.True(t, keep)
	assert.Equal(t, RawRecord{"id": "a"}, out)
	assert.Equal(t, RawRecord{"_id": "a"}, in)
}

func TestApplyTransformers_Drop(t *testing.T) {
	drop := TransformerFunc(func(r RawRecord) (RawRecord, bool) { return r, r["keep"] == true })
	_, keep := ApplyTransformers(RawRecord{"keep": false}, []Transformer{drop})
	assert.False(t, keep)
}

func TestBuildTransformers_Empty(t *testing.T) {
	assert.Empty(t, BuildTransformers(nil, nil))
}
