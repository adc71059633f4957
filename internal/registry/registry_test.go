package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/livecycle/tunnel-server/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTunnel(key, client, thumbprint string) *domain.ActiveTunnel {
	return &domain.ActiveTunnel{
		Key:                 key,
		ClientID:            client,
		PublicKeyThumbprint: thumbprint,
	}
}

func TestSetGetDelete(t *testing.T) {
	t.Parallel()

	s := New(testLogger())
	tun := testTunnel("web-c1", "c1", "tp-1")

	tx, w, err := s.Set("web-c1", tun)
	if err != nil {
		t.Fatal(err)
	}
	if tx == TxAny {
		t.Fatal("expected a non-zero transaction descriptor")
	}

	got, ok := s.Get("web-c1")
	if !ok || got.ClientID != "c1" {
		t.Fatalf("get returned %+v, %v", got, ok)
	}
	if !s.Has("web-c1") {
		t.Fatal("expected Has to report occupancy")
	}

	if !s.Delete("web-c1", tx) {
		t.Fatal("conditional delete with matching tx failed")
	}
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("watcher did not fire after delete")
	}
	if s.Has("web-c1") {
		t.Fatal("entry survived delete")
	}
}

func TestSetRejectsOccupiedKey(t *testing.T) {
	t.Parallel()

	s := New(testLogger())
	if _, _, err := s.Set("k", testTunnel("k", "c1", "tp-1")); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.Set("k", testTunnel("k", "c2", "tp-2"))
	if !errors.Is(err, domain.ErrTunnelOccupied) {
		t.Fatalf("expected ErrTunnelOccupied, got %v", err)
	}
	// The original entry must be untouched.
	got, ok := s.Get("k")
	if !ok || got.ClientID != "c1" {
		t.Fatalf("original entry was disturbed: %+v, %v", got, ok)
	}
}

func TestConditionalDeleteIgnoresNewerOccupant(t *testing.T) {
	t.Parallel()

	s := New(testLogger())
	oldTx, _, err := s.Set("k", testTunnel("k", "c1", "tp-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !s.Delete("k", oldTx) {
		t.Fatal("first delete failed")
	}
	if _, _, err := s.Set("k", testTunnel("k", "c2", "tp-2")); err != nil {
		t.Fatal(err)
	}

	if s.Delete("k", oldTx) {
		t.Fatal("stale tx deleted a newer occupant")
	}
	got, ok := s.Get("k")
	if !ok || got.ClientID != "c2" {
		t.Fatalf("newer entry was removed: %+v, %v", got, ok)
	}
	if s.GetByThumbprint("tp-2") == nil {
		t.Fatal("thumbprint index lost the newer entry")
	}
}

func TestUnconditionalDelete(t *testing.T) {
	t.Parallel()

	s := New(testLogger())
	if _, _, err := s.Set("k", testTunnel("k", "c1", "tp-1")); err != nil {
		t.Fatal(err)
	}
	if !s.Delete("k", TxAny) {
		t.Fatal("unconditional delete failed")
	}
	if s.Delete("k", TxAny) {
		t.Fatal("delete of vacant key reported success")
	}
}

func TestWatchVacantKeyIsClosed(t *testing.T) {
	t.Parallel()

	s := New(testLogger())
	select {
	case <-s.Watch("nope"):
	case <-time.After(time.Second):
		t.Fatal("watch on vacant key should be closed immediately")
	}
}

func TestThumbprintIndex(t *testing.T) {
	t.Parallel()

	s := New(testLogger())
	tx1, _, err := s.Set("a", testTunnel("a", "c1", "tp-shared"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Set("b", testTunnel("b", "c1", "tp-shared")); err != nil {
		t.Fatal(err)
	}

	if got := len(s.GetByThumbprint("tp-shared")); got != 2 {
		t.Fatalf("expected 2 indexed tunnels, got %d", got)
	}

	if !s.Delete("a", tx1) {
		t.Fatal("delete failed")
	}
	left := s.GetByThumbprint("tp-shared")
	if len(left) != 1 || left[0].Key != "b" {
		t.Fatalf("index out of sync after delete: %+v", left)
	}

	if !s.Delete("b", TxAny) {
		t.Fatal("delete failed")
	}
	if s.GetByThumbprint("tp-shared") != nil {
		t.Fatal("expected nil for fully drained thumbprint")
	}
}

func TestConcurrentSetExactlyOneWins(t *testing.T) {
	t.Parallel()

	s := New(testLogger())
	const racers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, _, err := s.Set("contested", testTunnel("contested", fmt.Sprintf("c%d", i), "tp"))
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, domain.ErrTunnelOccupied) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestConcurrentDeletesSharedThumbprint(t *testing.T) {
	t.Parallel()

	s := New(testLogger())
	const n = 64
	txs := make([]Tx, n)
	for i := 0; i < n; i++ {
		tx, _, err := s.Set(fmt.Sprintf("k%d", i), testTunnel(fmt.Sprintf("k%d", i), "c1", "tp"))
		if err != nil {
			t.Fatal(err)
		}
		txs[i] = tx
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			if !s.Delete(fmt.Sprintf("k%d", i), txs[i]) {
				t.Errorf("delete k%d failed", i)
			}
		}()
	}
	wg.Wait()

	if s.Len() != 0 {
		t.Fatalf("expected empty store, %d entries left", s.Len())
	}
	if s.GetByThumbprint("tp") != nil {
		t.Fatal("thumbprint index retained entries after concurrent deletes")
	}
}
