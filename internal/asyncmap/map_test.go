package asyncmap

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func stringKey(k string) string { return k }

// await waits for ch with a timeout so a broken scheduler fails the test
// instead of hanging it.
func await(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestMapComputesValues(t *testing.T) {
	ts := NewTaskSystem(4)
	defer ts.Shutdown()

	m := New(stringKey, func(_ *TaskSystem, key string, setter Setter[string], _ Logger, _ SubCaller[string, string]) {
		setter(strings.ToUpper(key))
	})

	done := make(chan struct{})
	var got []string
	m.ConsumeAfterKeysReady(ts, []string{"a", "b", "c"}, func(values []string) {
		got = values
		close(done)
	}, func(msg string, fatal bool) {
		t.Errorf("unexpected failure: %s", msg)
		close(done)
	})
	await(t, done, "fan-in")
	assert.Equal(t, []string{"A", "B", "C"}, got, "values arrive in request order")
}

func TestMapReaderRunsAtMostOnce(t *testing.T) {
	ts := NewTaskSystem(8)
	defer ts.Shutdown()

	var invocations atomic.Int64
	m := New(stringKey, func(_ *TaskSystem, key string, setter Setter[int], _ Logger, _ SubCaller[string, int]) {
		invocations.Add(1)
		time.Sleep(time.Millisecond)
		setter(len(key))
	})

	const requests = 32
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			m.ConsumeAfterKeysReady(ts, []string{"same", "other"}, func(values []int) {
				assert.Equal(t, []int{4, 5}, values)
				close(done)
			}, func(msg string, fatal bool) {
				t.Errorf("unexpected failure: %s", msg)
				close(done)
			})
			await(t, done, "concurrent fan-in")
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(2), invocations.Load(), "one reader invocation per key")
}

func TestMapEmptyKeyList(t *testing.T) {
	ts := NewTaskSystem(2)
	defer ts.Shutdown()

	m := New(stringKey, func(_ *TaskSystem, _ string, setter Setter[int], _ Logger, _ SubCaller[string, int]) {
		setter(0)
	})
	done := make(chan struct{})
	m.ConsumeAfterKeysReady(ts, nil, func(values []int) {
		assert.Empty(t, values)
		close(done)
	}, func(string, bool) { close(done) })
	await(t, done, "empty fan-in")
}

func TestMapFailurePropagation(t *testing.T) {
	ts := NewTaskSystem(4)
	defer ts.Shutdown()

	m := New(stringKey, func(_ *TaskSystem, key string, setter Setter[int], logger Logger, _ SubCaller[string, int]) {
		if key == "bad" {
			logger("computation failed", true)
			return
		}
		setter(1)
	})

	done := make(chan struct{})
	var failMsg string
	m.ConsumeAfterKeysReady(ts, []string{"good", "bad"}, func([]int) {
		t.Error("consumer must not run when a key fails")
		close(done)
	}, func(msg string, fatal bool) {
		failMsg = msg
		assert.True(t, fatal)
		close(done)
	})
	await(t, done, "failure notification")
	assert.Contains(t, failMsg, "computation failed")

	t.Run("subsequent requests yield the stored failure", func(t *testing.T) {
		again := make(chan struct{})
		m.ConsumeAfterKeysReady(ts, []string{"bad"}, func([]int) {
			t.Error("consumer must not run for a failed key")
			close(again)
		}, func(msg string, fatal bool) {
			assert.Contains(t, msg, "computation failed")
			close(again)
		})
		await(t, again, "stored failure")
	})
}

func TestMapSubRequests(t *testing.T) {
	ts := NewTaskSystem(4)
	defer ts.Shutdown()

	// Readers compute f(n) = n for "0", otherwise key -> dependency on
	// key-1, demonstrating fan-out without blocking workers.
	m := New(stringKey, func(_ *TaskSystem, key string, setter Setter[int], logger Logger, sub SubCaller[string, int]) {
		if key == "0" {
			setter(0)
			return
		}
		var n int
		_, err := fmt.Sscanf(key, "%d", &n)
		if err != nil {
			logger(err.Error(), true)
			return
		}
		sub([]string{fmt.Sprintf("%d", n-1)}, func(values []int) {
			setter(values[0] + n)
		}, logger)
	})

	done := make(chan struct{})
	var got int
	m.ConsumeAfterKeysReady(ts, []string{"5"}, func(values []int) {
		got = values[0]
		close(done)
	}, func(msg string, fatal bool) {
		t.Errorf("unexpected failure: %s", msg)
		close(done)
	})
	await(t, done, "recursive fan-out")
	assert.Equal(t, 15, got)
}

func TestMapCycleDetection(t *testing.T) {
	ts := NewTaskSystem(2)
	defer ts.Shutdown()

	// a -> b -> a forms a request cycle; both keys must fail instead of
	// deadlocking.
	peer := map[string]string{"a": "b", "b": "a"}
	m := New(stringKey, func(_ *TaskSystem, key string, setter Setter[int], logger Logger, sub SubCaller[string, int]) {
		sub([]string{peer[key]}, func(values []int) {
			setter(values[0])
		}, logger)
	})

	done := make(chan struct{})
	var failMsg string
	m.ConsumeAfterKeysReady(ts, []string{"a"}, func([]int) {
		t.Error("cycle must not produce a value")
		close(done)
	}, func(msg string, fatal bool) {
		failMsg = msg
		close(done)
	})
	await(t, done, "cycle failure")
	assert.Contains(t, failMsg, "cycle")

	ts.WaitIdle() // no task may remain queued

	t.Run("self-cycle", func(t *testing.T) {
		selfMap := New(stringKey, func(_ *TaskSystem, key string, setter Setter[int], logger Logger, sub SubCaller[string, int]) {
			sub([]string{key}, func(values []int) { setter(values[0]) }, logger)
		})
		selfDone := make(chan struct{})
		selfMap.ConsumeAfterKeysReady(ts, []string{"x"}, func([]int) {
			t.Error("self-cycle must not produce a value")
			close(selfDone)
		}, func(msg string, fatal bool) {
			assert.Contains(t, msg, "cycle")
			close(selfDone)
		})
		await(t, selfDone, "self-cycle failure")
	})
}

func TestMapFailPending(t *testing.T) {
	ts := NewTaskSystem(2)
	defer ts.Shutdown()

	// The reader never publishes a value, leaving the key in progress
	// until the run is aborted.
	m := New(stringKey, func(_ *TaskSystem, _ string, _ Setter[int], _ Logger, _ SubCaller[string, int]) {})

	done := make(chan struct{})
	m.ConsumeAfterKeysReady(ts, []string{"stuck"}, func([]int) {
		t.Error("consumer must not run after cancellation")
		close(done)
	}, func(msg string, fatal bool) {
		assert.Contains(t, msg, "aborted")
		assert.True(t, fatal)
		close(done)
	})

	ts.WaitIdle()
	m.FailPending("run aborted")
	await(t, done, "cancellation notice")
}

func TestMapFanInOrderWithMixedLatency(t *testing.T) {
	ts := NewTaskSystem(8)
	defer ts.Shutdown()

	m := New(stringKey, func(_ *TaskSystem, key string, setter Setter[string], _ Logger, _ SubCaller[string, string]) {
		if key == "slow" {
			time.Sleep(20 * time.Millisecond)
		}
		setter(key)
	})

	done := make(chan struct{})
	var got []string
	m.ConsumeAfterKeysReady(ts, []string{"slow", "fast"}, func(values []string) {
		got = values
		close(done)
	}, func(string, bool) { close(done) })
	await(t, done, "mixed-latency fan-in")
	assert.Equal(t, []string{"slow", "fast"}, got)
}
