package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_LockUnlock(t *testing.T) {
	m := NewKeyedMutex(0)
	if len(m.shards) != defaultShards {
		t.Fatalf("expected %d shards, got %d", defaultShards, len(m.shards))
	}

	unlock, err := m.Lock(context.Background(), "receipt:0xabc")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	unlock, err = m.Lock(context.Background(), "receipt:0xabc")
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	unlock()
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex(8)
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "seller:0x1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// split read and write so a broken lock loses increments
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
}

func TestKeyedMutex_ContextDeadline(t *testing.T) {
	m := NewKeyedMutex(4)

	unlock, err := m.Lock(context.Background(), "busy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = m.Lock(ctx, "busy")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("lock wait ignored the deadline")
	}
}

func TestKeyedMutex_ShardStable(t *testing.T) {
	m := NewKeyedMutex(16)
	for _, key := range []string{"", "seller:0x1", "receipt:0xdeadbeef"} {
		a, b := m.shard(key), m.shard(key)
		if a != b || a < 0 || a >= 16 {
			t.Errorf("shard(%q) = %d, %d", key, a, b)
		}
	}
}
