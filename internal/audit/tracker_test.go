package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type memorySink struct {
	mu     sync.Mutex
	events []string
	err    error
	block  chan struct{}
}

func (s *memorySink) AppendAudit(_ context.Context, operationID, event, detail string) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, operationID+"/"+event+"/"+detail)
	return nil
}

func (s *memorySink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func TestRecordReachesSink(t *testing.T) {
	sink := &memorySink{}
	tr := NewTracker(sink, 8)

	tr.Record("op-1", "created", "type=renew")
	tr.Record("op-1", "processing", "")
	tr.Close()

	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("events = %v", got)
	}
	if got[0] != "op-1/created/type=renew" {
		t.Errorf("first event = %q", got[0])
	}
}

func TestSinkErrorsAreSwallowed(t *testing.T) {
	sink := &memorySink{err: fmt.Errorf("db down")}
	tr := NewTracker(sink, 8)

	tr.Record("op-1", "created", "")
	tr.Close()
	// Reaching here without a panic or a blocked Close is the assertion.
}

func TestRecordNeverBlocksWhenFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	tr := NewTracker(sink, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			tr.Record("op-1", "spam", "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	close(sink.block)
	tr.Close()
}
