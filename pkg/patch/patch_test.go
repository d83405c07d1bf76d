package patch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiffApplyRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		old, new any
	}{
		{"scalar change", 0, 5},
		{"string change", "a", "b"},
		{"object field add", map[string]any{"a": 1}, map[string]any{"a": 1, "b": 2}},
		{"array append", []int{1, 2}, []int{1, 2, 3}},
		{"no change", map[string]any{"x": 1}, map[string]any{"x": 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			oldJSON, err := json.Marshal(tc.old)
			require.NoError(t, err)
			newJSON, err := json.Marshal(tc.new)
			require.NoError(t, err)

			p, err := Diff(oldJSON, newJSON)
			require.NoError(t, err)

			got, err := Apply(oldJSON, p)
			require.NoError(t, err)

			var gotVal, wantVal any
			require.NoError(t, json.Unmarshal(got, &gotVal))
			require.NoError(t, json.Unmarshal(newJSON, &wantVal))
			require.Equal(t, wantVal, gotVal)
		})
	}
}

func TestEmptyDiffIsEmptyPatch(t *testing.T) {
	oldJSON, _ := json.Marshal(true)
	newJSON, _ := json.Marshal(true)

	p, err := Diff(oldJSON, newJSON)
	require.NoError(t, err)
	require.True(t, p.IsEmpty(), "identical documents must diff to an empty patch")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	oldJSON, _ := json.Marshal(map[string]any{"count": 1})
	newJSON, _ := json.Marshal(map[string]any{"count": 2})

	p, err := Diff(oldJSON, newJSON)
	require.NoError(t, err)

	raw, err := Encode(p)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestApplyMalformedPatchLeavesDocUntouched(t *testing.T) {
	doc, _ := json.Marshal(map[string]any{"a": 1})
	bad := Patch{{Op: "replace", Path: "/does/not/exist", Value: 2}}

	_, err := Apply(doc, bad)
	require.Error(t, err)

	var stillOriginal map[string]any
	require.NoError(t, json.Unmarshal(doc, &stillOriginal))
	require.Equal(t, float64(1), stillOriginal["a"])
}
