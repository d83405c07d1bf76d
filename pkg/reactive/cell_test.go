package reactive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryWriteUpdateSuppressesNoOpNotify(t *testing.T) {
	c := New(true)
	ch, cancel := c.Subscribe()
	defer cancel()

	_, mutated := TryWriteUpdate(c, func(v *bool) (bool, struct{}) {
		*v = true // write an equal value, report not-mutated
		return false, struct{}{}
	})
	require.False(t, mutated)

	select {
	case <-ch:
		t.Fatal("update_in_place that reports mutated=false must not notify observers")
	case <-time.After(20 * time.Millisecond):
	}

	require.True(t, c.Get())
}

func TestTryWriteUpdateNotifiesOnMutation(t *testing.T) {
	c := New(0)
	ch, cancel := c.Subscribe()
	defer cancel()

	_, mutated := TryWriteUpdate(c, func(v *int) (bool, struct{}) {
		*v = 42
		return true, struct{}{}
	})
	require.True(t, mutated)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a notification after a real mutation")
	}
	require.Equal(t, 42, c.Get())
}

func TestSetAlwaysNotifies(t *testing.T) {
	c := New("a")
	ch, cancel := c.Subscribe()
	defer cancel()

	c.Set("a") // same value, Set is unconditional
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Set must notify even when the value is unchanged")
	}
}

func TestCellHandleSharesIdentity(t *testing.T) {
	c := New(1)
	clone := c
	clone.Set(99)
	require.Equal(t, 99, c.Get(), "clones of a Cell must share storage")
}
