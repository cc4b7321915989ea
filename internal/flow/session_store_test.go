package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CarValue/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSessionStorePutGetDelete(t *testing.T) {
	s := NewSessionStore()
	sess := NewSession("c1", time.Now())
	s.Put(sess)

	got, ok := s.Get("c1")
	if !ok || got.ConversationID != "c1" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	got.Collected[models.AttrBrand] = models.TextValue("Toyota")
	again, _ := s.Get("c1")
	if len(again.Collected) != 0 {
		t.Error("mutating a returned session leaked into the store")
	}

	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}
	if !s.Delete("c1") {
		t.Error("Delete should report an existing session")
	}
	if s.Delete("c1") {
		t.Error("second Delete should report false")
	}
	if _, ok := s.Get("c1"); ok {
		t.Error("session still present after Delete")
	}
}

func TestSessionStoreUpdate(t *testing.T) {
	s := NewSessionStore()
	if _, err := s.Update("missing", func(sess Session) (Session, error) { return sess, nil }); !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("expected ErrUnknownConversation, got %v", err)
	}

	s.Put(NewSession("c1", time.Now()))
	_, err := s.Update("c1", func(sess Session) (Session, error) {
		sess.Step = 3
		return sess, errors.New("rejected")
	})
	if err == nil {
		t.Fatal("expected error from update func")
	}
	if got, _ := s.Get("c1"); got.Step != 0 {
		t.Errorf("failed update was stored: step %d", got.Step)
	}

	updated, err := s.Update("c1", func(sess Session) (Session, error) {
		sess.Step = 1
		return sess, nil
	})
	if err != nil || updated.Step != 1 {
		t.Fatalf("Update = %+v, %v", updated, err)
	}
	if got, _ := s.Get("c1"); got.Step != 1 {
		t.Errorf("stored step = %d, want 1", got.Step)
	}
}

func TestSessionStoreEvictExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewSessionStore(WithSessionTTL(10*time.Minute), WithClock(clock.Now))

	s.Put(NewSession("old", clock.Now()))
	clock.Advance(6 * time.Minute)
	s.Put(NewSession("fresh", clock.Now()))
	clock.Advance(5 * time.Minute)

	evicted := s.EvictExpired()
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Fatalf("evicted = %v, want [old]", evicted)
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("fresh session should survive")
	}
}

func TestSessionStoreEvictionDisabled(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewSessionStore(WithSessionTTL(0), WithClock(clock.Now))
	s.Put(NewSession("c1", clock.Now()))
	clock.Advance(24 * time.Hour)

	if evicted := s.EvictExpired(); len(evicted) != 0 {
		t.Errorf("eviction disabled but evicted %v", evicted)
	}

	// RunEviction returns immediately when the TTL is disabled.
	done := make(chan struct{})
	go func() {
		s.RunEviction(context.Background(), time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunEviction did not return with TTL disabled")
	}
}

func TestSessionStoreRunEvictionStopsOnCancel(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewSessionStore(WithSessionTTL(time.Minute), WithClock(clock.Now))
	s.Put(NewSession("c1", clock.Now()))
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunEviction(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for s.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Count() != 0 {
		t.Error("expired session was not swept")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunEviction did not stop after cancel")
	}
}
