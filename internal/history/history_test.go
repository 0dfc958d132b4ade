package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memSink struct {
	mu      sync.Mutex
	records []Record
	err     error
	closed  bool
	block   chan struct{}
}

func (m *memSink) Send(_ context.Context, r Record) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return m.err
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestOutcomeFor(t *testing.T) {
	for code, want := range map[int]Outcome{200: OutcomeDelivered, 204: OutcomeDelivered, 0: OutcomeFailed, 400: OutcomeFailed, 500: OutcomeFailed} {
		if got := OutcomeFor(code); got != want {
			t.Errorf("OutcomeFor(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("down")}
	m := Multi{a, b}
	err := m.Send(context.Background(), Record{EventID: "e1"})
	if err == nil || err.Error() != "down" {
		t.Fatalf("err = %v", err)
	}
	if a.len() != 1 || b.len() != 1 {
		t.Fatal("every sink must receive the record")
	}
	if err := m.Close(); err != nil || !a.closed || !b.closed {
		t.Fatalf("close: %v a=%v b=%v", err, a.closed, b.closed)
	}
}

func TestAsyncDeliversAndDrainsOnClose(t *testing.T) {
	s := &memSink{}
	a := NewAsync(s, 8, nil)
	for i := 0; i < 5; i++ {
		_ = a.Send(context.Background(), Record{EventID: "e", Attempts: i})
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if s.len() != 5 || !s.closed {
		t.Fatalf("records=%d closed=%v", s.len(), s.closed)
	}
	for i, r := range s.records {
		if r.Attempts != i {
			t.Fatalf("order broken at %d: %+v", i, r)
		}
	}
	// sends after close are ignored
	_ = a.Send(context.Background(), Record{})
	_ = a.Close()
}

func TestAsyncDropsWhenFull(t *testing.T) {
	s := &memSink{block: make(chan struct{})}
	a := NewAsync(s, 1, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = a.Send(context.Background(), Record{EventID: "x"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full buffer")
	}
	close(s.block)
	_ = a.Close()
	if n := s.len(); n < 1 || n > 2 {
		t.Fatalf("expected 1 or 2 records to survive, got %d", n)
	}
}
