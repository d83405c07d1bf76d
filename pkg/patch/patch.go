// Package patch computes and applies RFC 6902 JSON patches between two
// JSON documents. Diff generation is delegated to mattbaird/jsonpatch;
// apply/decode is delegated to evanphx/json-patch, matching the split the
// teacher's own example state store uses between the two libraries.
package patch

import (
	"encoding/json"
	"fmt"

	evanphx "github.com/evanphx/json-patch/v5"
	"github.com/mattbaird/jsonpatch"
)

// Op is a single RFC 6902 patch operation.
type Op struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
	From  string `json:"from,omitempty"`
}

// Patch is an ordered list of RFC 6902 operations.
type Patch []Op

// IsEmpty reports whether the patch carries no operations.
func (p Patch) IsEmpty() bool { return len(p) == 0 }

// Diff computes the minimal RFC 6902 patch that transforms old into new.
// Both arguments must already be JSON documents (e.g. produced by
// json.Marshal of a user value).
func Diff(old, new []byte) (Patch, error) {
	ops, err := jsonpatch.CreatePatch(old, new)
	if err != nil {
		return nil, fmt.Errorf("patch: diff: %w", err)
	}
	out := make(Patch, len(ops))
	for i, op := range ops {
		out[i] = Op{Op: op.Operation, Path: op.Path, Value: op.Value}
	}
	return out, nil
}

// Encode serializes a Patch to its RFC 6902 JSON document form.
func Encode(p Patch) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("patch: encode: %w", err)
	}
	return b, nil
}

// Decode parses an RFC 6902 JSON document into a Patch.
func Decode(b []byte) (Patch, error) {
	var p Patch
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("patch: decode: %w", err)
	}
	return p, nil
}

// Apply applies p to doc and returns the resulting document. doc is left
// unchanged on error (evanphx/json-patch never mutates its input slice).
func Apply(doc []byte, p Patch) ([]byte, error) {
	if p.IsEmpty() {
		out := make([]byte, len(doc))
		copy(out, doc)
		return out, nil
	}
	raw, err := Encode(p)
	if err != nil {
		return nil, err
	}
	decoded, err := evanphx.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("patch: apply: decode: %w", err)
	}
	result, err := decoded.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("patch: apply: %w", err)
	}
	return result, nil
}
