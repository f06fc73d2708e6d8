package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/dop251/goja"
	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/gorun/capability"
	"github.com/caffeineduck/gorun/protocol"
)

type pendingCall struct {
	resolve func(v any)
	reject  func(reason any)
}

// execution is the state of a single EXECUTE: a fresh runtime, its
// outstanding nested calls and the modules it loaded.
type execution struct {
	w   *worker
	run uint64
	vm  *goja.Runtime
	// ctx bounds wasm calls; it ends with the execution or its timeout.
	ctx     context.Context
	stopped <-chan struct{}

	pending   map[uint64]pendingCall
	modules   map[string]goja.Value
	instances []api.Module

	expired chan struct{}

	stringify goja.Callable
	parse     goja.Callable
	freeze    goja.Callable
}

// outcome is what an execution reports. A nil message means nothing is sent.
type outcome struct {
	msg  *protocol.Message
	next *protocol.Message
}

// execute runs msg to completion. It returns a pre-empting EXECUTE received
// while awaiting nested calls, if any.
func (w *worker) execute(ctx context.Context, msg protocol.Message) *protocol.Message {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e := &execution{
		w:       w,
		run:     msg.Run,
		vm:      goja.New(),
		ctx:     runCtx,
		stopped: ctx.Done(),
		pending: make(map[uint64]pendingCall),
		modules: make(map[string]goja.Value),
		expired: make(chan struct{}),
	}
	w.setCurrent(e.vm)
	defer w.setCurrent(nil)
	if ctx.Err() != nil {
		return nil
	}
	defer e.close()

	if msg.Timeout > 0 {
		timer := time.AfterFunc(time.Duration(msg.Timeout)*time.Millisecond, func() {
			e.vm.Interrupt(errTimedOut)
			close(e.expired)
			cancel()
		})
		defer timer.Stop()
	}

	out := e.start(msg)
	if out.msg != nil {
		w.send(*out.msg)
	}
	return out.next
}

// close abandons outstanding nested calls without running further script
// code and releases wasm instances.
func (e *execution) close() {
	clear(e.pending)
	for _, mod := range e.instances {
		if err := mod.Close(context.Background()); err != nil {
			e.w.log.Debug("close wasm instance", "error", err)
		}
	}
}

func (e *execution) start(msg protocol.Message) outcome {
	prog, err := e.w.compile(msg.Source)
	if err != nil {
		return e.fail(protocol.ErrorEval, err)
	}

	exports, err := e.setup()
	if err != nil {
		return e.fail(protocol.ErrorEval, err)
	}
	if _, err := e.vm.RunProgram(prog); err != nil {
		return e.fail(protocol.ErrorEval, err)
	}

	main, ok := goja.AssertFunction(exports.Get("__main"))
	if !ok {
		return e.fail(protocol.ErrorEval, errors.New("invalid function"))
	}

	args := make([]goja.Value, len(msg.Args))
	for i, a := range msg.Args {
		if args[i], err = e.fromJSON(a); err != nil {
			return e.fail(protocol.ErrorRuntime, err)
		}
	}

	ret, err := main(goja.Undefined(), args...)
	if err != nil {
		return e.fail(protocol.ErrorRuntime, err)
	}

	if ret == nil {
		return e.finish(goja.Undefined())
	}
	if p, ok := ret.Export().(*goja.Promise); ok {
		return e.await(p)
	}
	return e.finish(ret)
}

// await serves nested call responses until p settles.
func (e *execution) await(p *goja.Promise) outcome {
	for p.State() == goja.PromiseStatePending {
		select {
		case msg, ok := <-e.w.incoming:
			if !ok {
				return outcome{}
			}
			switch msg.Type {
			case protocol.TypeExecute:
				return outcome{next: &msg}
			case protocol.TypeResponse:
				e.settle(msg)
			default:
				e.w.log.Warn("unexpected message", "type", msg.Type)
			}
		case <-e.expired:
			return e.fail(protocol.ErrorTimeout, errTimedOut)
		case <-e.stopped:
			return outcome{}
		}
	}

	switch p.State() {
	case goja.PromiseStateRejected:
		return e.failWith(protocol.ErrorRuntime, p.Result(), "")
	default:
		return e.finish(p.Result())
	}
}

func (e *execution) settle(msg protocol.Message) {
	if msg.Run != e.run {
		e.w.log.Debug("dropping stale response", "run", msg.Run, "id", msg.ID)
		return
	}
	pc, ok := e.pending[msg.ID]
	if !ok {
		e.w.log.Debug("dropping unknown response", "id", msg.ID)
		return
	}
	delete(e.pending, msg.ID)

	if msg.Error != "" {
		pc.reject(e.vm.NewGoError(errors.New(msg.Error)))
		return
	}
	v, err := e.fromJSON(msg.Result)
	if err != nil {
		pc.reject(e.vm.NewGoError(err))
		return
	}
	pc.resolve(v)
}

func (e *execution) finish(v goja.Value) outcome {
	result, err := e.toJSON(v)
	if err != nil {
		return e.fail(protocol.ErrorRuntime, err)
	}
	msg := protocol.Return(e.run, result)
	return outcome{msg: &msg}
}

func (e *execution) fail(typ protocol.ErrorType, err error) outcome {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		switch interrupted.Value() {
		case errPreempted, errStopped:
			return outcome{}
		}
		typ, err = protocol.ErrorTimeout, errTimedOut
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		return e.failWith(typ, ex.Value(), ex.String())
	}
	msg := protocol.Error(e.run, typ, err.Error(), "")
	return outcome{msg: &msg}
}

// failWith reports a thrown or rejected JavaScript value.
func (e *execution) failWith(typ protocol.ErrorType, reason goja.Value, fallbackStack string) outcome {
	message, stack := describe(reason)
	if stack == "" {
		stack = fallbackStack
	}
	msg := protocol.Error(e.run, typ, message, stack)
	return outcome{msg: &msg}
}

func describe(v goja.Value) (message, stack string) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "undefined error", ""
	}
	if obj, ok := v.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			message = m.String()
		}
		if s := obj.Get("stack"); s != nil && !goja.IsUndefined(s) {
			stack = s.String()
		}
	}
	if message == "" {
		message = v.String()
	}
	return message, stack
}

// setup installs the sandbox globals and returns the exports object.
func (e *execution) setup() (*goja.Object, error) {
	vm := e.vm
	jsonObj := vm.Get("JSON").ToObject(vm)
	e.stringify, _ = goja.AssertFunction(jsonObj.Get("stringify"))
	e.parse, _ = goja.AssertFunction(jsonObj.Get("parse"))
	e.freeze, _ = goja.AssertFunction(vm.Get("Object").ToObject(vm).Get("freeze"))

	console, err := e.console()
	if err != nil {
		return nil, err
	}
	filename := e.w.cfg.Filename
	dirname := ""
	if filename != "" {
		dirname = filepath.Dir(filename)
	}

	// Later entries shadow earlier ones, so a capability cannot replace
	// require, exports or the module globals.
	names := []string{"console"}
	globals := map[string]goja.Value{"console": console}
	if clients, ok := capability.NewClient(e.w.cfg.Capabilities, e.stub).(map[string]any); ok {
		for _, name := range sortedKeys(clients) {
			v, err := e.toJS(clients[name])
			if err != nil {
				return nil, err
			}
			if _, seen := globals[name]; !seen {
				names = append(names, name)
			}
			globals[name] = v
		}
	}
	exports := vm.NewObject()
	for _, g := range []struct {
		name  string
		value goja.Value
	}{
		{"exports", exports},
		{"isWorker", vm.ToValue(true)},
		{"require", vm.ToValue(e.requireFrom(dirname, filename == ""))},
		{"__filename", vm.ToValue(filename)},
		{"__dirname", vm.ToValue(dirname)},
	} {
		if _, seen := globals[g.name]; !seen {
			names = append(names, g.name)
		}
		globals[g.name] = g.value
	}

	global := vm.GlobalObject()
	for _, name := range names {
		if err := global.DefineDataProperty(name, globals[name], goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return nil, err
		}
	}
	return exports, nil
}

// stub is the capability.StubFactory for this execution.
func (e *execution) stub(method string, path []string) any {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			v, err := e.toJSON(a)
			if err != nil {
				panic(e.vm.NewTypeError("argument %d of %s is not serializable: %v", i, method, err))
			}
			args[i] = v
		}

		e.w.nextID++
		id := e.w.nextID
		promise, resolve, reject := e.vm.NewPromise()
		e.pending[id] = pendingCall{
			resolve: func(v any) { resolve(v) },
			reject:  func(reason any) { reject(reason) },
		}
		e.w.send(protocol.Request(e.run, id, path, method, args))
		return e.vm.ToValue(promise)
	}
}
