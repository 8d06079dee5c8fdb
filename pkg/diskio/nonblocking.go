package diskio

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/diskmap/pkg/common/log"
	"github.com/KevoDB/diskmap/pkg/config"
	"github.com/KevoDB/diskmap/pkg/record"
)

// readRequest is one pending Read. done is closed once rec or err is set.
type readRequest struct {
	offset int64
	rec    *record.Record
	err    error
	done   chan struct{}
}

func (r *readRequest) complete(rec *record.Record, err error) {
	r.rec = rec
	r.err = err
	close(r.done)
}

// NonBlockingIO serves reads from a single worker goroutine. Callers enqueue a
// request and wait on it; the worker drains the whole queue, reads it in
// ascending offset order and completes every request with its own record.
// Everything except Read and Close is inherited from BlockingIO.
type NonBlockingIO struct {
	*BlockingIO

	pollEvery time.Duration
	read      func(offset int64) (*record.Record, error) // physical read used by the worker

	queueMu sync.Mutex
	queue   []*readRequest
	wake    chan struct{}

	stopped atomic.Bool
	wg      sync.WaitGroup
}

// Ensure NonBlockingIO implements DiskIO
var _ DiskIO = (*NonBlockingIO)(nil)

// NewNonBlockingIO opens the log file of cfg.Shard and starts the read worker
func NewNonBlockingIO(cfg *config.Config, logger log.Logger) (*NonBlockingIO, error) {
	base, err := NewBlockingIO(cfg, logger)
	if err != nil {
		return nil, err
	}

	pollEvery := cfg.ReadPollEvery()
	if pollEvery <= 0 {
		pollEvery = config.DefaultReadPollInterval * time.Millisecond
	}

	n := &NonBlockingIO{
		BlockingIO: base,
		pollEvery:  pollEvery,
		wake:       make(chan struct{}, 1),
	}
	n.read = base.Read

	n.wg.Add(1)
	go n.run()

	return n, nil
}

// Read queues a request for the worker and waits for its result
func (n *NonBlockingIO) Read(offset int64) (*record.Record, error) {
	req := &readRequest{offset: offset, done: make(chan struct{})}

	n.queueMu.Lock()
	if n.stopped.Load() {
		n.queueMu.Unlock()
		return nil, ErrClosed
	}
	n.queue = append(n.queue, req)
	n.queueMu.Unlock()

	n.signal()

	<-req.done
	return req.rec, req.err
}

func (n *NonBlockingIO) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// run is the worker loop. It wakes on a new request or every poll interval
// and exits once stopped is set.
func (n *NonBlockingIO) run() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-n.wake:
		case <-ticker.C:
		}

		if n.stopped.Load() {
			return
		}
		n.drain()
	}
}

// drain serves every queued request
func (n *NonBlockingIO) drain() {
	n.queueMu.Lock()
	batch := n.queue
	n.queue = nil
	n.queueMu.Unlock()

	if len(batch) == 0 {
		return
	}

	slices.SortStableFunc(batch, func(x, y *readRequest) int {
		return cmp.Compare(x.offset, y.offset)
	})

	for _, req := range batch {
		req.complete(n.read(req.offset))
	}
}

// Close stops the worker, fails requests it did not serve and closes the file
func (n *NonBlockingIO) Close() error {
	n.queueMu.Lock()
	alreadyStopped := n.stopped.Swap(true)
	n.queueMu.Unlock()

	if !alreadyStopped {
		n.signal()
		n.wg.Wait()

		n.queueMu.Lock()
		leftover := n.queue
		n.queue = nil
		n.queueMu.Unlock()

		for _, req := range leftover {
			req.complete(nil, ErrClosed)
		}
		if len(leftover) > 0 {
			n.logger.Warn("Failed %d queued reads on close", len(leftover))
		}
	}

	return n.BlockingIO.Close()
}
