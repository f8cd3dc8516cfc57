package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Logger buffers records and writes them to the Store from a single
// background worker. Log returns before persistence completes; the
// request path never waits on the database.
//
// Durability is best-effort: a crash between enqueue and write loses at
// most the in-flight buffer. Write failures go to stderr and are
// otherwise swallowed.
type Logger struct {
	store        Store
	recordChan   chan *Record
	writeTimeout time.Duration
	wg           sync.WaitGroup
	done         chan struct{}
	closeOnce    sync.Once
	logger       *slog.Logger

	mu      sync.Mutex
	pending int // records enqueued but not yet written
	idle    *sync.Cond
}

// NewLogger creates a logger with the given buffer capacity and starts
// its worker.
func NewLogger(store Store, buffer int, writeTimeout time.Duration) *Logger {
	if buffer < 1 {
		buffer = 1
	}
	l := &Logger{
		store:        store,
		recordChan:   make(chan *Record, buffer),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
		logger:       slog.Default().With("component", "audit.logger"),
	}
	l.idle = sync.NewCond(&l.mu)

	l.wg.Add(1)
	go l.worker()

	return l
}

// Log enqueues record for asynchronous persistence and returns
// immediately. When the buffer is full the record is dropped with a
// stderr note rather than blocking the request.
func (l *Logger) Log(record *Record) {
	l.mu.Lock()
	l.pending++
	l.mu.Unlock()

	select {
	case l.recordChan <- record:
	default:
		l.finish()
		fmt.Fprintf(os.Stderr, "audit: buffer full, dropping record %s (%s)\n", record.ID, record.Action)
	}
}

// Drain blocks until every record enqueued before the call has been
// written (or dropped). Tests use it to make the async log observable.
func (l *Logger) Drain() {
	l.mu.Lock()
	for l.pending > 0 {
		l.idle.Wait()
	}
	l.mu.Unlock()
}

// Close drains the buffer, stops the worker, and closes the store.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
	return l.store.Close()
}

func (l *Logger) worker() {
	defer l.wg.Done()

	for {
		select {
		case record := <-l.recordChan:
			l.write(record)

		case <-l.done:
			// Drain whatever is left before exiting.
			for {
				select {
				case record := <-l.recordChan:
					l.write(record)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(record *Record) {
	defer l.finish()

	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()

	if err := l.store.Save(ctx, record); err != nil {
		// The caller's response is long gone; stderr is all we have.
		fmt.Fprintf(os.Stderr, "audit: failed to store record %s: %v\n", record.ID, err)
	}
}

func (l *Logger) finish() {
	l.mu.Lock()
	l.pending--
	if l.pending <= 0 {
		l.idle.Broadcast()
	}
	l.mu.Unlock()
}
