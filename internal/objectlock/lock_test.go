package objectlock_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/arrownet/bgpd/internal/objectlock"
)

func testKey() objectlock.Key {
	return objectlock.Key{Addr: netip.MustParseAddr("192.0.2.1"), Port: 179}
}

func TestAcquireGrantsImmediatelyWhenFree(t *testing.T) {
	t.Parallel()

	r := objectlock.NewRegistry()
	granted := make(chan struct{})
	r.Acquire(testKey(), func() { close(granted) })

	select {
	case <-granted:
	default:
		t.Fatal("Acquire on a free key must call onGrant synchronously")
	}
}

func TestAcquireQueuesFIFOUntilRelease(t *testing.T) {
	t.Parallel()

	r := objectlock.NewRegistry()
	key := testKey()

	first := make(chan struct{})
	r.Acquire(key, func() { close(first) })
	<-first

	var order []int
	done := make(chan struct{}, 2)
	r.Acquire(key, func() { order = append(order, 1); done <- struct{}{} })
	r.Acquire(key, func() { order = append(order, 2); done <- struct{}{} })

	select {
	case <-done:
		t.Fatal("queued waiters must not be granted before Release")
	case <-time.After(20 * time.Millisecond):
	}

	r.Release(key)
	<-done
	r.Release(key)
	<-done

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("grant order = %v, want [1 2] (FIFO)", order)
	}
}

func TestReleaseWithNoWaitersFreesKey(t *testing.T) {
	t.Parallel()

	r := objectlock.NewRegistry()
	key := testKey()

	first := make(chan struct{})
	r.Acquire(key, func() { close(first) })
	<-first
	r.Release(key)

	second := make(chan struct{})
	r.Acquire(key, func() { close(second) })

	select {
	case <-second:
	default:
		t.Fatal("Acquire after Release with an empty queue should grant immediately")
	}
}

func TestReleaseOnUnknownKeyIsNoop(t *testing.T) {
	t.Parallel()

	r := objectlock.NewRegistry()
	r.Release(objectlock.Key{Addr: netip.MustParseAddr("203.0.113.1"), Port: 179})
}
