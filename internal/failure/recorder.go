package failure

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Writer is the sink the recorder flushes into. *Store satisfies it.
type Writer interface {
	InsertBatch(ctx context.Context, recs []Record) error
}

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Recorder buffers failure records in memory and writes them to the store
// in batches from a background goroutine. Record never blocks the search
// path: when the buffer is full the record is dropped and counted.
type Recorder struct {
	writer  Writer
	records chan Record
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64

	closeOnce sync.Once
}

// NewRecorder starts the background writer.
func NewRecorder(w Writer) *Recorder {
	r := &Recorder{
		writer:  w,
		records: make(chan Record, channelBuffer),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Record enqueues one failure without blocking.
func (r *Recorder) Record(rec Record) {
	select {
	case r.records <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many records were discarded because the buffer was
// full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Depth reports how many records are waiting to be flushed.
func (r *Recorder) Depth() int {
	return len(r.records)
}

// Close stops the writer after draining everything already enqueued.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
	return nil
}

func (r *Recorder) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Writes stay out-of-band: the request that produced the record is
		// long gone, so flushes run on their own deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.writer.InsertBatch(ctx, batch); err != nil {
			slog.Warn("failure_flush_error",
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.records:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			for {
				select {
				case rec := <-r.records:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					if n := r.dropped.Load(); n > 0 {
						slog.Warn("failure_records_dropped", slog.Int64("count", n))
					}
					return
				}
			}
		}
	}
}
