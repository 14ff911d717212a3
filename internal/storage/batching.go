package storage

import (
	"context"
	"crypto/md5"
	"fmt"
	"sync"
	"time"

	"github.com/tabular/location-collector/internal/logging"
)

type writeOp struct {
	key    string
	value  []byte
	delete bool
}

// AsyncWriter moves store writes off the caller's goroutine. Pending writes
// are coalesced per key (last write wins) and flushed when batchSize keys
// are pending or every flushInterval. A put whose payload matches the last
// one written for that key is skipped.
type AsyncWriter struct {
	store         Store
	logger        *logging.Logger
	batchSize     int
	flushInterval time.Duration

	queue   chan writeOp
	flushCh chan chan struct{}

	pending map[string]writeOp
	order   []string

	applyMu sync.Mutex
	hashes  map[string]string

	stopMu  sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewAsyncWriter(store Store, logger *logging.Logger, batchSize int, flushInterval time.Duration) *AsyncWriter {
	if batchSize < 1 {
		batchSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())

	w := &AsyncWriter{
		store:         store,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		queue:         make(chan writeOp, batchSize*4),
		flushCh:       make(chan chan struct{}),
		pending:       make(map[string]writeOp),
		hashes:        make(map[string]string),
		ctx:           ctx,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.run()

	return w
}

func (w *AsyncWriter) Put(key string, value []byte) {
	w.enqueue(writeOp{key: key, value: value})
}

func (w *AsyncWriter) Delete(keys ...string) {
	for _, k := range keys {
		w.enqueue(writeOp{key: k, delete: true})
	}
}

func (w *AsyncWriter) enqueue(op writeOp) {
	w.stopMu.RLock()
	defer w.stopMu.RUnlock()
	if w.stopped {
		w.apply([]writeOp{op})
		return
	}
	w.queue <- op
}

// Flush blocks until every write enqueued before the call has reached the store.
func (w *AsyncWriter) Flush() {
	w.stopMu.RLock()
	if w.stopped {
		w.stopMu.RUnlock()
		return
	}
	done := make(chan struct{})
	w.flushCh <- done
	w.stopMu.RUnlock()
	<-done
}

func (w *AsyncWriter) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case op := <-w.queue:
			w.add(op)
			if len(w.pending) >= w.batchSize {
				w.flush()
			}

		case done := <-w.flushCh:
			w.drain()
			w.flush()
			close(done)

		case <-ticker.C:
			w.flush()

		case <-w.ctx.Done():
			w.drain()
			w.flush()
			return
		}
	}
}

func (w *AsyncWriter) add(op writeOp) {
	if _, ok := w.pending[op.key]; !ok {
		w.order = append(w.order, op.key)
	}
	w.pending[op.key] = op
}

func (w *AsyncWriter) drain() {
	for {
		select {
		case op := <-w.queue:
			w.add(op)
		default:
			return
		}
	}
}

func (w *AsyncWriter) flush() {
	if len(w.pending) == 0 {
		return
	}
	ops := make([]writeOp, 0, len(w.order))
	for _, k := range w.order {
		ops = append(ops, w.pending[k])
	}
	w.pending = make(map[string]writeOp)
	w.order = w.order[:0]

	w.apply(ops)
}

func (w *AsyncWriter) apply(ops []writeOp) {
	w.applyMu.Lock()
	defer w.applyMu.Unlock()

	startTime := time.Now()
	written := 0
	for _, op := range ops {
		if op.delete {
			if err := w.store.Delete(op.key); err != nil {
				w.logger.Error("Failed to delete key", "kind", "persistence_failure", "key", op.key, "error", err)
				continue
			}
			delete(w.hashes, op.key)
			written++
			continue
		}

		sum := fmt.Sprintf("%x", md5.Sum(op.value))
		if w.hashes[op.key] == sum {
			w.logger.Debug("Payload unchanged, skipping write", "key", op.key)
			continue
		}
		if err := w.store.Put(op.key, op.value); err != nil {
			w.logger.Error("Failed to persist key", "kind", "persistence_failure", "key", op.key, "error", err)
			delete(w.hashes, op.key)
			continue
		}
		w.hashes[op.key] = sum
		written++
	}

	w.logger.Debug("Persistence batch flushed",
		"batch_size", len(ops),
		"written", written,
		"duration", time.Since(startTime))
}

func (w *AsyncWriter) Stop() {
	w.stopMu.Lock()
	if w.stopped {
		w.stopMu.Unlock()
		return
	}
	w.stopped = true
	w.cancel()
	w.stopMu.Unlock()
	w.wg.Wait()
}
