package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/ashita-ai/annai/internal/model"
)

// maxStateKeyLen bounds the learner's state dimension. Longer keys are
// truncated and suffixed with a short content hash so semantically different
// contexts stay distinguishable after truncation.
const maxStateKeyLen = 128

// maxStateValueLen bounds each context value's contribution to the key.
const maxStateValueLen = 32

// DeriveStateKey encodes a routing context into the learner's state key.
// Derivation is deterministic: entries are lowercased, sorted by key, and
// joined as k=v pairs. An empty context maps to the dedicated "default" state.
func DeriveStateKey(ctx model.RoutingContext) string {
	if len(ctx) == 0 {
		return "default"
	}

	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := strings.ToLower(strings.TrimSpace(ctx[k]))
		if len(v) > maxStateValueLen {
			v = v[:maxStateValueLen]
		}
		parts = append(parts, strings.ToLower(k)+"="+v)
	}
	key := strings.Join(parts, "|")

	if len(key) <= maxStateKeyLen {
		return key
	}
	// Truncate but keep a digest of the full key to avoid collapsing
	// distinct long contexts into one state.
	sum := sha256.Sum256([]byte(key))
	suffix := hex.EncodeToString(sum[:4])
	return key[:maxStateKeyLen-len(suffix)-1] + "#" + suffix
}
