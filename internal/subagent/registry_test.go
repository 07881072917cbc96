// ABOUTME: Tests for the subagent registry
// ABOUTME: Covers register-once, deregister-once, stop marking and ordering

package subagent

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterOnce(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{RunID: "r1"}))
	assert.ErrorIs(t, r.Register(Registration{RunID: "r1"}), ErrAlreadyRegistered)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DeregisterOnce(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{RunID: "r1", ChildSessionKey: "agent:main:subagent:a"}))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Deregister("r1"); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	_, ok := r.Get("r1")
	assert.False(t, ok)
}

func TestRegistry_MarkStoppedByRequester(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{RunID: "a", RequesterSessionKey: "agent:main:main"}))
	require.NoError(t, r.Register(Registration{RunID: "b", RequesterSessionKey: "agent:main:other"}))

	stopped := r.MarkStoppedByRequester("agent:main:main")
	require.Len(t, stopped, 1)
	assert.Equal(t, "a", stopped[0].RunID)

	reg, ok := r.Get("a")
	require.True(t, ok)
	assert.True(t, reg.Stopped)

	reg, _ = r.Get("b")
	assert.False(t, reg.Stopped)
}

func TestRegistry_ListOrdersByCreation(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.Register(Registration{RunID: "late", RequesterSessionKey: "x", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, r.Register(Registration{RunID: "early", RequesterSessionKey: "x", CreatedAt: base}))
	require.NoError(t, r.Register(Registration{RunID: "other", RequesterSessionKey: "y", CreatedAt: base}))

	all := r.List("")
	require.Len(t, all, 3)

	mine := r.List("x")
	require.Len(t, mine, 2)
	assert.Equal(t, "early", mine[0].RunID)
	assert.Equal(t, "late", mine[1].RunID)
}
