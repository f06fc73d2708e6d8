package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/caffeineduck/gorun/protocol"
)

// worker is the host-side handle of one pooled worker.
type worker struct {
	id  string
	ep  *Endpoint
	enc *protocol.Encoder
	log *slog.Logger
	// in receives every worker message followed by a final EXIT.
	in    chan protocol.Message
	alive atomic.Bool

	// run numbers executions on this worker. Only the goroutine holding the
	// worker from the pool touches it.
	run uint64

	closeOnce sync.Once
	closeErr  error
}

func (e *Executor) spawn(ctx context.Context) (*worker, error) {
	id := uuid.NewString()
	log := e.log.With("worker", id)

	cfg := e.sandbox
	cfg.Logger = log
	ep, err := e.cfg.launcher.Launch(ctx, cfg)
	if err != nil {
		return nil, err
	}

	w := &worker{
		id:  id,
		ep:  ep,
		enc: protocol.NewEncoder(ep.Writer),
		log: log,
		in:  make(chan protocol.Message, 64),
	}
	w.alive.Store(true)
	go w.readLoop()

	log.Debug("worker started")
	return w, nil
}

func (w *worker) readLoop() {
	defer close(w.in)

	dec := protocol.NewDecoder(w.ep.Reader)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.log.Debug("worker stream failed", "error", err)
			}
			break
		}
		w.in <- msg
	}
	w.alive.Store(false)

	code := w.ep.Wait()
	w.log.Debug("worker exited", "code", code)
	w.in <- protocol.Exit(code)
}

// close stops the worker and waits for its stream to drain.
func (w *worker) close() error {
	w.closeOnce.Do(func() {
		w.alive.Store(false)
		killErr := w.ep.Kill()
		w.ep.Writer.Close()
		for range w.in {
		}
		if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			w.closeErr = killErr
		}
	})
	return w.closeErr
}
