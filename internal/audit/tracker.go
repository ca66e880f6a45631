// Package audit records operation lifecycle events without ever slowing
// down or failing the operation that produced them.
package audit

import (
	"context"
	"log"
	"sync"
	"time"
)

// Sink persists audit events. *store.Store satisfies it.
type Sink interface {
	AppendAudit(ctx context.Context, operationID, event, detail string) error
}

type entry struct {
	operationID string
	event       string
	detail      string
}

// Tracker buffers events and writes them from a background goroutine.
// When the buffer is full the event is dropped, never blocked on.
type Tracker struct {
	sink Sink
	ch   chan entry

	closeOnce sync.Once
	done      chan struct{}
}

const writeTimeout = 5 * time.Second

// NewTracker starts the drain goroutine.
func NewTracker(sink Sink, bufferSize int) *Tracker {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	t := &Tracker{
		sink: sink,
		ch:   make(chan entry, bufferSize),
		done: make(chan struct{}),
	}
	go t.drain()
	return t
}

// Record enqueues an event. It never blocks and never returns an error.
func (t *Tracker) Record(operationID, event, detail string) {
	select {
	case t.ch <- entry{operationID: operationID, event: event, detail: detail}:
	default:
		log.Printf("audit buffer full, dropping event %s for operation %s", event, operationID)
	}
}

func (t *Tracker) drain() {
	defer close(t.done)
	for e := range t.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := t.sink.AppendAudit(ctx, e.operationID, e.event, e.detail); err != nil {
			log.Printf("audit write failed for operation %s: %v", e.operationID, err)
		}
		cancel()
	}
}

// Close flushes buffered events and stops the drain goroutine.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.ch)
		<-t.done
	})
}
