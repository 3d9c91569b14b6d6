// Package worker drains usage records to the billing store off the request
// path, so a slow database never stalls an SSE stream.
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/averis-ai/dispatch/internal/billing"
)

const defaultQueueSize = 256

// UsageWriter is a channel-fed worker that persists usage logs
// asynchronously. Enqueue never blocks the caller: when the queue is full
// the record is dropped with a log line, billing being best-effort per
// instance.
type UsageWriter struct {
	store billing.Store
	queue chan *billing.UsageLog

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewUsageWriter(store billing.Store, queueSize int) *UsageWriter {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &UsageWriter{
		store: store,
		queue: make(chan *billing.UsageLog, queueSize),
	}
}

// Start launches n writer goroutines.
func (w *UsageWriter) Start(n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go w.run()
	}
}

func (w *UsageWriter) run() {
	defer w.wg.Done()
	for entry := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := w.store.LogUsage(ctx, entry); err != nil {
			log.Printf("worker: failed to persist usage for request %s: %v", entry.RequestID, err)
		}
		cancel()
	}
}

// Enqueue hands a record to the writers.
func (w *UsageWriter) Enqueue(entry *billing.UsageLog) {
	select {
	case w.queue <- entry:
	default:
		log.Printf("worker: usage queue full, dropping record for request %s", entry.RequestID)
	}
}

// Stop closes the queue and waits for in-flight writes to finish.
func (w *UsageWriter) Stop() {
	w.stopOnce.Do(func() { close(w.queue) })
	w.wg.Wait()
}
