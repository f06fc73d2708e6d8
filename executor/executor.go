package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caffeineduck/gorun/capability"
	"github.com/caffeineduck/gorun/pool"
	"github.com/caffeineduck/gorun/protocol"
	"github.com/caffeineduck/gorun/sandbox"
)

// Executor runs JavaScript functions on a pool of sandboxed workers against
// a host capability surface.
type Executor struct {
	cfg     config
	surface any
	sandbox sandbox.Config
	pool    *pool.Pool[*worker]
	log     *slog.Logger
}

// New creates an Executor exposing surface to scripts. The surface must be
// nil or an object tree of capability values (see package capability).
func New(surface any, opts ...Option) (*Executor, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.launcher == nil {
		cfg.launcher = InProcess{}
	}

	var desc *capability.Descriptor
	if surface != nil {
		d, err := capability.Serialize(surface)
		if err != nil {
			return nil, fmt.Errorf("serialize surface: %w", err)
		}
		if d.Kind != capability.KindObject {
			return nil, fmt.Errorf("surface must be an object, got %s", d.Kind)
		}
		desc = d
	}

	e := &Executor{
		cfg:     cfg,
		surface: surface,
		log:     cfg.logger,
		sandbox: sandbox.Config{
			Capabilities:         desc,
			Filename:             cfg.filename,
			AllowedModules:       cfg.allowedModules,
			ScriptCacheSize:      cfg.scriptCacheSize,
			WasmMemoryLimitPages: cfg.memoryLimitPages,
			WasmCacheDir:         cfg.wasmCacheDir,
		},
	}
	e.pool = pool.New(cfg.pool, pool.Hooks[*worker]{
		Create: e.spawn,
		Destroy: func(_ context.Context, w *worker) error {
			return w.close()
		},
		BeforeAcquire:   func(w *worker) bool { return w.alive.Load() },
		BeforeAvailable: func(w *worker) bool { return w.alive.Load() },
	}, pool.WithLogger(cfg.logger))

	return e, nil
}

// Run executes the function source with args and returns its result. With
// known sources configured, source is the key of the source to run.
//
// Every failure is an *Error: EVAL for sources that do not compile or are
// unknown, RUNTIME for thrown or rejected scripts, TIMEOUT when the call
// outlives its timeout or ctx, and EXIT when the worker dies or none can be
// started.
func (e *Executor) Run(ctx context.Context, source string, args []any, opts ...RunOption) (any, error) {
	rc := runConfig{timeout: e.cfg.timeout}
	for _, opt := range opts {
		opt(&rc)
	}

	src, err := e.resolve(source)
	if err != nil {
		return nil, err
	}

	w, err := e.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(protocol.ErrorTimeout, err, "timed out waiting for a worker")
		}
		return nil, newError(protocol.ErrorExit, err, "no worker available: %v", err)
	}

	result, keep, err := e.call(ctx, w, src, args, rc.timeout)
	if !keep || !e.pool.Release(w) {
		if rmErr := e.pool.Remove(context.Background(), w); rmErr != nil {
			e.log.Error("remove worker", "worker", w.id, "error", rmErr)
		}
	}
	if err != nil {
		return nil, err
	}

	if e.cfg.resultMapper != nil {
		mapped, err := e.cfg.resultMapper(result)
		if err != nil {
			return nil, newError(protocol.ErrorRuntime, err, "map result: %v", err)
		}
		return mapped, nil
	}
	return result, nil
}

// Func binds source so it can be invoked like a function.
func (e *Executor) Func(source string, opts ...RunOption) func(ctx context.Context, args ...any) (any, error) {
	return func(ctx context.Context, args ...any) (any, error) {
		return e.Run(ctx, source, args, opts...)
	}
}

// Stats reports worker pool membership.
func (e *Executor) Stats() pool.Stats {
	return e.pool.Stats()
}

// Close stops every worker. Pending and later calls to Run fail with an
// EXIT error.
func (e *Executor) Close(ctx context.Context) error {
	return e.pool.Destroy(ctx)
}

func (e *Executor) resolve(source string) (string, error) {
	if e.cfg.knownSources == nil {
		return source, nil
	}
	src, ok := e.cfg.knownSources[source]
	if !ok {
		return "", newError(protocol.ErrorEval, nil, "unknown source %q", source)
	}
	return src, nil
}

// call drives one execution on w. keep reports whether w can serve another
// call.
func (e *Executor) call(ctx context.Context, w *worker, src string, args []any, timeout time.Duration) (result any, keep bool, err error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.run++
	run := w.run
	if err := w.enc.Encode(protocol.Execute(run, src, args, timeout.Milliseconds())); err != nil {
		return nil, false, newError(protocol.ErrorExit, err, "send to worker: %v", err)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		select {
		case msg, ok := <-w.in:
			if !ok {
				return nil, false, newError(protocol.ErrorExit, nil, "worker exited")
			}
			if msg.Type == protocol.TypeExit {
				return nil, false, newError(protocol.ErrorExit, nil, "worker exited with code %d", msg.Code)
			}
			if msg.Run != run {
				w.log.Debug("dropping stale message", "type", msg.Type, "run", msg.Run)
				continue
			}

			switch msg.Type {
			case protocol.TypeReturn:
				return msg.Result, true, nil
			case protocol.TypeError:
				typ := msg.ErrorType
				if typ == "" {
					typ = protocol.ErrorRuntime
				}
				return nil, true, &Error{Type: typ, Message: msg.Message, Stack: msg.Stack}
			case protocol.TypeRequest:
				go e.dispatch(callCtx, w, msg)
			default:
				w.log.Warn("unexpected message", "type", msg.Type)
			}

		case <-expired:
			return nil, true, newError(protocol.ErrorTimeout, nil, "timed out after %s", timeout)

		case <-ctx.Done():
			return nil, true, newError(protocol.ErrorTimeout, ctx.Err(), "execution abandoned: %v", ctx.Err())
		}
	}
}

// dispatch serves a nested capability call and answers the worker.
func (e *Executor) dispatch(ctx context.Context, w *worker, req protocol.Message) {
	result, err := capability.Dispatch(ctx, e.surface, req.BasePath, req.Method, req.Args)
	if err != nil {
		w.log.Debug("capability call failed", "method", req.Method, "error", err)
		e.respond(w, protocol.ErrorResponse(req.Run, req.ID, err.Error()))
		return
	}
	if err := w.enc.Encode(protocol.Response(req.Run, req.ID, result)); err != nil {
		e.respond(w, protocol.ErrorResponse(req.Run, req.ID, err.Error()))
	}
}

func (e *Executor) respond(w *worker, msg protocol.Message) {
	if err := w.enc.Encode(msg); err != nil {
		w.log.Debug("respond to worker", "error", err)
	}
}
