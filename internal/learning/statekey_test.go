package learning

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/annai/internal/model"
)

func TestDeriveStateKeyDeterministic(t *testing.T) {
	ctx := model.RoutingContext{
		"input_type": "Text",
		"priority":   "high",
		"domain":     "billing",
	}
	k1 := DeriveStateKey(ctx)
	k2 := DeriveStateKey(ctx)
	assert.Equal(t, k1, k2)
	// Sorted by key, lowercased values.
	assert.Equal(t, "domain=billing|input_type=text|priority=high", k1)
}

func TestDeriveStateKeyEmpty(t *testing.T) {
	assert.Equal(t, "default", DeriveStateKey(nil))
	assert.Equal(t, "default", DeriveStateKey(model.RoutingContext{}))
}

func TestDeriveStateKeyBounded(t *testing.T) {
	ctx := model.RoutingContext{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		ctx[strings.Repeat(k, 20)] = strings.Repeat("v", 100)
	}
	key := DeriveStateKey(ctx)
	assert.LessOrEqual(t, len(key), 128)
	assert.Contains(t, key, "#", "truncated keys carry a digest suffix")
}

func TestDeriveStateKeyDistinguishesTruncated(t *testing.T) {
	base := model.RoutingContext{}
	for _, k := range []string{"aaaa", "bbbb", "cccc", "dddd", "eeee"} {
		base[k+strings.Repeat("x", 30)] = strings.Repeat("y", 40)
	}
	other := model.RoutingContext{}
	for k, v := range base {
		other[k] = v
	}
	// Differ only deep in the tail that truncation would cut off.
	other["zzzz"+strings.Repeat("x", 30)] = "different"
	base["zzzz"+strings.Repeat("x", 30)] = "original"

	assert.NotEqual(t, DeriveStateKey(base), DeriveStateKey(other))
}
