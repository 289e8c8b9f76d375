package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestFiresAfterTimeout(t *testing.T) {
	var fired int32
	tm := New(func(uint64) { atomic.StoreInt32(&fired, 1) })
	tm.Start(10 * time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("expected timer to fire")
	}
}

func TestStopPreventsFire(t *testing.T) {
	var fired int32
	tm := New(func(uint64) { atomic.StoreInt32(&fired, 1) })
	tm.Start(20 * time.Millisecond)
	tm.Stop()

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("expected timer not to fire after Stop")
	}
}

func TestStartActsAsWatchdogKick(t *testing.T) {
	var fireCount int32
	tm := New(func(uint64) { atomic.AddInt32(&fireCount, 1) })

	tm.Start(30 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	tm.Start(30 * time.Millisecond) // kick: restarts the window
	time.Sleep(15 * time.Millisecond)

	if atomic.LoadInt32(&fireCount) != 0 {
		t.Fatalf("timer fired despite being kicked, count=%d", fireCount)
	}

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&fireCount) != 1 {
		t.Fatalf("expected exactly one fire after kick settles, got %d", fireCount)
	}
}

func TestStopIsNoOpWhenIdle(t *testing.T) {
	tm := New(func(uint64) {})
	tm.Stop() // must not panic
}

func TestGenerationAdvancesOnEachStart(t *testing.T) {
	tm := New(func(uint64) {})
	if tm.CurrentGeneration() != 0 {
		t.Fatalf("expected generation 0 before first Start")
	}
	tm.Start(time.Hour)
	if tm.CurrentGeneration() != 1 {
		t.Fatalf("expected generation 1 after first Start, got %d", tm.CurrentGeneration())
	}
	tm.Start(time.Hour)
	if tm.CurrentGeneration() != 2 {
		t.Fatalf("expected generation 2 after second Start, got %d", tm.CurrentGeneration())
	}
}

func TestStaleFireCarriesSupersededGeneration(t *testing.T) {
	fires := make(chan uint64, 4)
	tm := New(func(gen uint64) { fires <- gen })

	tm.Start(10 * time.Millisecond)
	firstGen := tm.CurrentGeneration()
	time.Sleep(30 * time.Millisecond) // let it fire and land in the channel

	tm.Start(time.Hour) // restart under a new generation; the old fire is still queued

	select {
	case gen := <-fires:
		if gen != firstGen {
			t.Fatalf("expected stale fire to carry generation %d, got %d", firstGen, gen)
		}
		if gen == tm.CurrentGeneration() {
			t.Fatalf("stale fire's generation must not match the timer's current generation")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the original fire")
	}
}
