// Package sandbox implements the worker side of the execution protocol.
//
// A worker reads EXECUTE messages, compiles the submitted function source,
// runs it in a fresh JavaScript runtime that only exposes the configured
// capability stubs, and answers with RETURN or ERROR. Capability calls made
// by the script travel back to the host as REQUEST messages and resume the
// script when the matching RESPONSE arrives.
//
// The same worker runs either in-process (see [Serve]) or as a child process
// speaking the protocol over its standard streams (see [ServeStdio]).
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/caffeineduck/gorun/capability"
	"github.com/caffeineduck/gorun/protocol"
)

// DefaultScriptCacheSize bounds the number of compiled sources a worker
// keeps.
const DefaultScriptCacheSize = 256

// Config is the worker configuration. It is sent as the first JSON value
// to subprocess workers.
type Config struct {
	Capabilities *capability.Descriptor `json:"capabilities,omitempty"`
	// Filename is reported as __filename and anchors relative requires.
	Filename string `json:"filename,omitempty"`
	// AllowedModules are glob patterns that require specifiers must match.
	AllowedModules []string `json:"allowedModules,omitempty"`

	ScriptCacheSize      int    `json:"scriptCacheSize,omitempty"`
	WasmMemoryLimitPages uint32 `json:"wasmMemoryLimitPages,omitempty"`
	WasmCacheDir         string `json:"wasmCacheDir,omitempty"`

	Logger *slog.Logger `json:"-"`
}

var (
	errPreempted = errors.New("preempted by a new execution")
	errStopped   = errors.New("worker stopped")
	errTimedOut  = errors.New("execution timed out")
)

type worker struct {
	cfg     Config
	log     *slog.Logger
	enc     *protocol.Encoder
	scripts *lru.Cache[string, *goja.Program]
	wasm    *wasmHost

	incoming chan protocol.Message
	readErr  error

	// nextID numbers nested calls for the lifetime of the worker.
	nextID uint64

	mu      sync.Mutex
	current *goja.Runtime
}

// Serve runs a worker until dec reaches end of stream, reading fails, or ctx
// is cancelled. A clean end of stream returns nil.
func Serve(ctx context.Context, cfg Config, dec *protocol.Decoder, enc *protocol.Encoder) error {
	w, err := newWorker(cfg, enc)
	if err != nil {
		return err
	}
	defer w.close()

	stop := context.AfterFunc(ctx, func() { w.interrupt(errStopped) })
	defer stop()

	go w.read(ctx, dec)

	var next *protocol.Message
	for {
		var msg protocol.Message
		if next != nil {
			msg, next = *next, nil
		} else {
			var ok bool
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok = <-w.incoming:
				if !ok {
					return w.readErr
				}
			}
		}

		switch msg.Type {
		case protocol.TypeExecute:
			next = w.execute(ctx, msg)
		case protocol.TypeResponse:
			w.log.Debug("dropping response outside execution", "run", msg.Run, "id", msg.ID)
		default:
			w.log.Warn("unexpected message", "type", msg.Type)
		}
	}
}

// ServeStdio reads the worker Config as the first JSON value on r and then
// serves the protocol over r and wr.
func ServeStdio(ctx context.Context, r io.Reader, wr io.Writer, logger *slog.Logger) error {
	dec := protocol.NewDecoder(r)
	var cfg Config
	if err := dec.DecodeInto(&cfg); err != nil {
		return fmt.Errorf("read worker config: %w", err)
	}
	cfg.Logger = logger
	return Serve(ctx, cfg, dec, protocol.NewEncoder(wr))
}

func newWorker(cfg Config, enc *protocol.Encoder) (*worker, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ScriptCacheSize <= 0 {
		cfg.ScriptCacheSize = DefaultScriptCacheSize
	}
	scripts, err := lru.New[string, *goja.Program](cfg.ScriptCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create script cache: %w", err)
	}
	return &worker{
		cfg:      cfg,
		log:      cfg.Logger,
		enc:      enc,
		scripts:  scripts,
		wasm:     newWasmHost(cfg.WasmMemoryLimitPages, cfg.WasmCacheDir),
		incoming: make(chan protocol.Message, 16),
	}, nil
}

func (w *worker) close() {
	if err := w.wasm.close(context.Background()); err != nil {
		w.log.Error("close wasm runtime", "error", err)
	}
}

// read forwards decoded messages to the execution loop. An EXECUTE first
// interrupts whatever script is running so the loop can pick it up.
func (w *worker) read(ctx context.Context, dec *protocol.Decoder) {
	defer close(w.incoming)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.readErr = err
			}
			return
		}
		if msg.Type == protocol.TypeExecute {
			w.interrupt(errPreempted)
		}
		select {
		case w.incoming <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (w *worker) setCurrent(vm *goja.Runtime) {
	w.mu.Lock()
	w.current = vm
	w.mu.Unlock()
}

func (w *worker) interrupt(reason error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		w.current.Interrupt(reason)
	}
}

func (w *worker) send(msg protocol.Message) {
	if err := w.enc.Encode(msg); err != nil {
		w.log.Error("send message", "type", msg.Type, "error", err)
	}
}

// compile returns the cached program for source, compiling it on a miss.
func (w *worker) compile(source string) (*goja.Program, error) {
	if prog, ok := w.scripts.Get(source); ok {
		return prog, nil
	}
	prog, err := goja.Compile(w.scriptName(), "'use strict'; exports.__main = "+source+"\n", false)
	if err != nil {
		return nil, err
	}
	w.scripts.Add(source, prog)
	return prog, nil
}

func (w *worker) scriptName() string {
	if w.cfg.Filename != "" {
		return w.cfg.Filename
	}
	return "sandbox.js"
}
