package cancelscope

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFired(t *testing.T, fired *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fired.Load() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("observer count = %d, want %d", fired.Load(), want)
}

func TestScopeCancelNotifiesObserversOnce(t *testing.T) {
	s := New(context.Background())

	var fired atomic.Int32
	s.OnCancel(func() { fired.Add(1) })

	s.Cancel()
	s.Cancel()
	waitFired(t, &fired, 1)
	assert.True(t, s.Cancelled())
}

func TestScopeObserverAfterCancelRunsImmediately(t *testing.T) {
	s := New(context.Background())
	s.Cancel()

	var fired atomic.Int32
	s.OnCancel(func() { fired.Add(1) })
	waitFired(t, &fired, 1)
}

func TestParentCancelCascades(t *testing.T) {
	parent := New(context.Background())
	child := parent.Child()

	var fired atomic.Int32
	child.OnCancel(func() { fired.Add(1) })

	parent.Cancel()
	waitFired(t, &fired, 1)
	assert.True(t, child.Cancelled())
}

func TestDomainTerminateCancelsRunAndTool(t *testing.T) {
	d := NewDomain()
	run, tool := d.NewRun(context.Background())

	d.Terminate()

	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run scope not cancelled by terminate")
	}
	select {
	case <-tool.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tool scope not cancelled by terminate")
	}
	assert.True(t, d.Terminated())
}

func TestSoftCancelLeavesDomainUsable(t *testing.T) {
	d := NewDomain()
	run, tool := d.NewRun(context.Background())

	run.Cancel()
	require.True(t, tool.Cancelled())
	require.False(t, d.Terminated())

	// A new run is unaffected by the previous soft cancel.
	run2, tool2 := d.NewRun(context.Background())
	assert.False(t, run2.Cancelled())
	assert.False(t, tool2.Cancelled())
}

func TestToolCancelLeavesRunAlive(t *testing.T) {
	d := NewDomain()
	run, tool := d.NewRun(context.Background())

	tool.Cancel()
	assert.True(t, tool.Cancelled())
	assert.False(t, run.Cancelled())
}

func TestCallerContextCancelsRun(t *testing.T) {
	d := NewDomain()
	ctx, cancel := context.WithCancel(context.Background())
	run, _ := d.NewRun(ctx)

	cancel()
	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run scope not cancelled by caller context")
	}
	assert.False(t, d.Terminated())
}
