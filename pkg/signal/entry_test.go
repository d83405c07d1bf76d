package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattsp1290/signalmesh/pkg/patch"
)

type counterState struct {
	Count int    `json:"count"`
	Label string `json:"label"`
}

func TestUpdateInPlaceSuppressesNoOpBroadcast(t *testing.T) {
	entry, err := NewStatefulEntry("count", VariantReadOnly, counterState{Count: 1}, 4)
	require.NoError(t, err)

	sub, cancel := entry.Subscribe()
	defer cancel()

	_, err = UpdateInPlace(entry, func(v *counterState) (bool, struct{}) {
		return false, struct{}{}
	})
	require.NoError(t, err)

	select {
	case <-sub.C:
		t.Fatal("expected no broadcast for a non-mutating update")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUpdateInPlaceBroadcastsOnMutation(t *testing.T) {
	entry, err := NewStatefulEntry("count", VariantBidirectional, counterState{Count: 1}, 4)
	require.NoError(t, err)

	sub, cancel := entry.Subscribe()
	defer cancel()

	_, err = UpdateInPlace(entry, func(v *counterState) (bool, struct{}) {
		v.Count = 2
		return true, struct{}{}
	})
	require.NoError(t, err)

	select {
	case ev := <-sub.C:
		require.Nil(t, ev.Origin)
		require.False(t, ev.Patch.IsEmpty())
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast event")
	}

	require.Equal(t, 2, entry.Get().Count)
}

func TestApplyPatchRemoteOriginReseedsCell(t *testing.T) {
	entry, err := NewStatefulEntry("count", VariantBidirectional, counterState{Count: 1}, 4)
	require.NoError(t, err)

	_, err = UpdateInPlace(entry, func(v *counterState) (bool, struct{}) {
		v.Count = 5
		return true, struct{}{}
	})
	require.NoError(t, err)

	remote := "peer-1"
	newJSON := []byte(`{"count":5,"label":"from-peer"}`)
	p, err := patch.Diff(entry.SnapshotJSON(), newJSON)
	require.NoError(t, err)

	require.NoError(t, entry.ApplyPatch(p, &remote))
	require.Equal(t, "from-peer", entry.Get().Label)
}

func TestApplyPatchLocalOriginDoesNotReseedCell(t *testing.T) {
	entry, err := NewStatefulEntry("count", VariantReadOnly, counterState{Count: 1}, 4)
	require.NoError(t, err)

	newJSON := []byte(`{"count":9,"label":""}`)
	p, err := patch.Diff(entry.SnapshotJSON(), newJSON)
	require.NoError(t, err)

	require.NoError(t, entry.ApplyPatch(p, nil))
	require.JSONEq(t, `{"count":9,"label":""}`, string(entry.SnapshotJSON()))
}

func TestSnapshotJSONIsACopy(t *testing.T) {
	entry, err := NewStatefulEntry("count", VariantReadOnly, counterState{Count: 1}, 4)
	require.NoError(t, err)

	snap := entry.SnapshotJSON()
	snap[0] = 'X'
	require.NotEqual(t, string(snap), string(entry.SnapshotJSON()))
}
