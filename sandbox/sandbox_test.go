package sandbox

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/gorun/capability"
	"github.com/caffeineduck/gorun/protocol"
)

// addWasm exports add(i32, i32) i32.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

type harness struct {
	t    *testing.T
	enc  *protocol.Encoder
	msgs chan protocol.Message
	run  uint64
}

func startWorker(t *testing.T, cfg Config) *harness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, cfg, protocol.NewDecoder(inR), protocol.NewEncoder(outW))
		outW.Close()
	}()

	h := &harness{t: t, enc: protocol.NewEncoder(inW), msgs: make(chan protocol.Message, 16)}
	go func() {
		defer close(h.msgs)
		dec := protocol.NewDecoder(outR)
		for {
			msg, err := dec.Decode()
			if err != nil {
				return
			}
			h.msgs <- msg
		}
	}()

	t.Cleanup(func() {
		inW.Close()
		cancel()
		outR.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return h
}

func (h *harness) send(msg protocol.Message) {
	h.t.Helper()
	if err := h.enc.Encode(msg); err != nil {
		h.t.Fatalf("send: %v", err)
	}
}

// execute sends an EXECUTE for a new run and returns its run number.
func (h *harness) execute(source string, args []any, timeout time.Duration) uint64 {
	h.t.Helper()
	h.run++
	h.send(protocol.Execute(h.run, source, args, timeout.Milliseconds()))
	return h.run
}

func (h *harness) recv() protocol.Message {
	h.t.Helper()
	select {
	case msg, ok := <-h.msgs:
		if !ok {
			h.t.Fatal("worker output closed")
		}
		return msg
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for worker message")
	}
	return protocol.Message{}
}

func (h *harness) result(source string, args ...any) any {
	h.t.Helper()
	run := h.execute(source, args, 0)
	msg := h.recv()
	if msg.Type != protocol.TypeReturn || msg.Run != run {
		h.t.Fatalf("expected RETURN for run %d, got %+v", run, msg)
	}
	return msg.Result
}

func (h *harness) failure(source string, timeout time.Duration) protocol.Message {
	h.t.Helper()
	run := h.execute(source, nil, timeout)
	msg := h.recv()
	if msg.Type != protocol.TypeError || msg.Run != run {
		h.t.Fatalf("expected ERROR for run %d, got %+v", run, msg)
	}
	return msg
}

func surface(t *testing.T) *capability.Descriptor {
	t.Helper()
	noop := capability.Func(func(context.Context, ...any) (any, error) { return nil, nil })
	d, err := capability.Serialize(capability.Object{
		"math":    capability.Object{"add": noop},
		"db":      capability.Object{"get": noop},
		"version": "1.0",
	})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return d
}

func TestExecuteReturnsResult(t *testing.T) {
	h := startWorker(t, Config{})

	if got := h.result(`() => 1`); got != 1.0 {
		t.Errorf("expected 1, got %v", got)
	}
	if got := h.result(`(a, b) => a + b`, 2, 3); got != 5.0 {
		t.Errorf("expected 5, got %v", got)
	}
	got := h.result(`async (name) => { await null; return { hello: name } }`, "world")
	if m, ok := got.(map[string]any); !ok || m["hello"] != "world" {
		t.Errorf("expected {hello: world}, got %v", got)
	}
	if got := h.result(`() => undefined`); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestExecuteEvalErrors(t *testing.T) {
	h := startWorker(t, Config{})

	msg := h.failure(`() => {`, 0)
	if msg.ErrorType != protocol.ErrorEval {
		t.Errorf("syntax error: expected EVAL, got %s (%s)", msg.ErrorType, msg.Message)
	}

	msg = h.failure(`42`, 0)
	if msg.ErrorType != protocol.ErrorEval || msg.Message != "invalid function" {
		t.Errorf("non-function: expected EVAL 'invalid function', got %s %q", msg.ErrorType, msg.Message)
	}

	msg = h.failure(`(() => { throw new Error("at load") })()`, 0)
	if msg.ErrorType != protocol.ErrorEval || msg.Message != "at load" {
		t.Errorf("throw during evaluation: expected EVAL 'at load', got %s %q", msg.ErrorType, msg.Message)
	}
}

func TestExecuteRuntimeErrors(t *testing.T) {
	h := startWorker(t, Config{})

	msg := h.failure(`() => { throw new Error("boom") }`, 0)
	if msg.ErrorType != protocol.ErrorRuntime || msg.Message != "boom" {
		t.Errorf("throw: expected RUNTIME 'boom', got %s %q", msg.ErrorType, msg.Message)
	}
	if msg.Stack == "" {
		t.Error("expected a stack trace")
	}

	msg = h.failure(`async () => { throw new TypeError("bad input") }`, 0)
	if msg.ErrorType != protocol.ErrorRuntime || msg.Message != "bad input" {
		t.Errorf("rejection: expected RUNTIME 'bad input', got %s %q", msg.ErrorType, msg.Message)
	}

	msg = h.failure(`() => { const a = {}; a.self = a; return a }`, 0)
	if msg.ErrorType != protocol.ErrorRuntime {
		t.Errorf("cyclic result: expected RUNTIME, got %s", msg.ErrorType)
	}
}

func TestWatchdogTimeout(t *testing.T) {
	h := startWorker(t, Config{})

	msg := h.failure(`() => { while (true) {} }`, 50*time.Millisecond)
	if msg.ErrorType != protocol.ErrorTimeout {
		t.Errorf("busy loop: expected TIMEOUT, got %s", msg.ErrorType)
	}

	msg = h.failure(`() => new Promise(() => {})`, 50*time.Millisecond)
	if msg.ErrorType != protocol.ErrorTimeout {
		t.Errorf("pending promise: expected TIMEOUT, got %s", msg.ErrorType)
	}

	if got := h.result(`() => "still alive"`); got != "still alive" {
		t.Errorf("worker not reusable after timeout, got %v", got)
	}
}

func TestNestedCalls(t *testing.T) {
	h := startWorker(t, Config{Capabilities: surface(t)})

	run := h.execute(`async (a, b) => await math.add(a, b)`, []any{1, 2}, 0)
	req := h.recv()
	if req.Type != protocol.TypeRequest || req.Run != run {
		t.Fatalf("expected REQUEST, got %+v", req)
	}
	if strings.Join(req.BasePath, ".") != "math" || req.Method != "add" {
		t.Errorf("expected math.add, got %v.%s", req.BasePath, req.Method)
	}
	if len(req.Args) != 2 || req.Args[0] != 1.0 || req.Args[1] != 2.0 {
		t.Errorf("unexpected args %v", req.Args)
	}

	h.send(protocol.Response(run, req.ID, 3))
	msg := h.recv()
	if msg.Type != protocol.TypeReturn || msg.Result != 3.0 {
		t.Errorf("expected RETURN 3, got %+v", msg)
	}
}

func TestNestedCallsOutOfOrder(t *testing.T) {
	h := startWorker(t, Config{Capabilities: surface(t)})

	run := h.execute(`async () => {
		const [a, b] = await Promise.all([db.get("a"), db.get("b")])
		return a + b
	}`, nil, 0)

	first, second := h.recv(), h.recv()
	if first.ID == second.ID {
		t.Fatalf("request ids must differ, both %d", first.ID)
	}
	h.send(protocol.Response(run, second.ID, strings.ToUpper(second.Args[0].(string))))
	h.send(protocol.Response(run, first.ID, strings.ToUpper(first.Args[0].(string))))

	msg := h.recv()
	if msg.Type != protocol.TypeReturn || msg.Result != "AB" {
		t.Errorf("expected RETURN AB, got %+v", msg)
	}
}

func TestNestedCallErrorResponse(t *testing.T) {
	h := startWorker(t, Config{Capabilities: surface(t)})

	run := h.execute(`async () => {
		try {
			await db.get("secret")
		} catch (e) {
			return "caught: " + e.message
		}
	}`, nil, 0)
	req := h.recv()
	h.send(protocol.ErrorResponse(run, req.ID, "denied"))

	msg := h.recv()
	if msg.Type != protocol.TypeReturn || msg.Result != "caught: denied" {
		t.Errorf("expected caught rejection, got %+v", msg)
	}
}

func TestExecutePreemptsPendingCall(t *testing.T) {
	h := startWorker(t, Config{Capabilities: surface(t)})

	first := h.execute(`async () => await db.get("slow")`, nil, 0)
	req := h.recv()
	if req.Type != protocol.TypeRequest {
		t.Fatalf("expected REQUEST, got %+v", req)
	}

	if got := h.result(`() => "second"`); got != "second" {
		t.Errorf("expected second, got %v", got)
	}

	// A late answer for the abandoned run must not produce output.
	h.send(protocol.Response(first, req.ID, "late"))
	if got := h.result(`() => 3`); got != 3.0 {
		t.Errorf("expected 3, got %v", got)
	}
}

func TestExecutePreemptsBusyScript(t *testing.T) {
	h := startWorker(t, Config{Capabilities: surface(t)})

	h.execute(`() => { db.get("x"); while (true) {} }`, nil, 0)
	if req := h.recv(); req.Type != protocol.TypeRequest {
		t.Fatalf("expected REQUEST, got %+v", req)
	}

	if got := h.result(`() => 5`); got != 5.0 {
		t.Errorf("expected 5, got %v", got)
	}
}

func TestRequestIDsNeverRepeat(t *testing.T) {
	h := startWorker(t, Config{Capabilities: surface(t)})

	seen := map[uint64]bool{}
	for range 3 {
		run := h.execute(`async () => db.get("k")`, nil, 0)
		req := h.recv()
		if seen[req.ID] {
			t.Fatalf("request id %d reused", req.ID)
		}
		seen[req.ID] = true
		h.send(protocol.Response(run, req.ID, nil))
		if msg := h.recv(); msg.Type != protocol.TypeReturn {
			t.Fatalf("expected RETURN, got %+v", msg)
		}
	}
}

func TestGlobals(t *testing.T) {
	h := startWorker(t, Config{Capabilities: surface(t), Filename: "/srv/app/main.js"})

	got := h.result(`() => [typeof process, isWorker, __filename, __dirname, version, typeof exports]`)
	want := []any{"undefined", true, "/srv/app/main.js", "/srv/app", "1.0", "object"}
	items, ok := got.([]any)
	if !ok || len(items) != len(want) {
		t.Fatalf("unexpected globals %v", got)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Errorf("global %d: expected %v, got %v", i, want[i], items[i])
		}
	}
}

func TestGlobalsAreFrozen(t *testing.T) {
	h := startWorker(t, Config{Capabilities: surface(t)})

	for _, src := range []string{
		`() => { math.add = null }`,
		`() => { math = {} }`,
		`() => { console.log = null }`,
		`() => { require = null }`,
	} {
		msg := h.failure(src, 0)
		if msg.ErrorType != protocol.ErrorRuntime {
			t.Errorf("%s: expected RUNTIME, got %s", src, msg.ErrorType)
		}
	}
}

func TestConsoleUsesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := startWorker(t, Config{Logger: logger})

	h.result(`() => { console.warn("careful", { n: 1 }); return 1 }`)

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, `careful {\"n\":1}`) {
		t.Errorf("unexpected log output: %s", out)
	}
}

func TestRequireNotAllowed(t *testing.T) {
	h := startWorker(t, Config{AllowedModules: []string{"path"}})

	msg := h.failure(`() => require("fs")`, 0)
	if msg.ErrorType != protocol.ErrorRuntime || msg.Message != "'fs' module not allowed" {
		t.Errorf("expected not allowed, got %s %q", msg.ErrorType, msg.Message)
	}

	if got := h.result(`() => require("path").join("a", "b", "../c")`); got != "a/c" {
		t.Errorf("expected a/c, got %v", got)
	}
}

func TestRequireRelativeWithoutFilename(t *testing.T) {
	h := startWorker(t, Config{AllowedModules: []string{"./*"}})

	msg := h.failure(`() => require("./lib.js")`, 0)
	if msg.Message != "empty module filename" {
		t.Errorf("expected empty module filename, got %q", msg.Message)
	}
}

func TestRequireFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"lib.js":    []byte(`const helper = require("./helper"); module.exports = { double: (x) => helper.twice(x) }`),
		"helper.js": []byte(`exports.twice = (x) => x * 2`),
		"data.json": []byte(`{"n": 21}`),
		"add.wasm":  addWasm,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	h := startWorker(t, Config{
		Filename:       filepath.Join(dir, "main.js"),
		AllowedModules: []string{"./*", "crypto"},
	})

	if got := h.result(`() => require("./lib.js").double(require("./data.json").n)`); got != 42.0 {
		t.Errorf("expected 42, got %v", got)
	}
	if got := h.result(`() => require("./add.wasm").add(40, 2)`); got != 42.0 {
		t.Errorf("wasm: expected 42, got %v", got)
	}
	if got := h.result(`() => require("./lib.js") === require("./lib")`); got != true {
		t.Errorf("expected module cache hit, got %v", got)
	}
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := h.result(`() => require("crypto").sha256("abc")`); got != want {
		t.Errorf("sha256: expected %s, got %v", want, got)
	}
}

func TestScriptCache(t *testing.T) {
	w, err := newWorker(Config{ScriptCacheSize: 2}, protocol.NewEncoder(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	defer w.close()

	a, err := w.compile(`() => 1`)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := w.compile(`() => 1`)
	if a != again {
		t.Error("expected cached program")
	}

	w.compile(`() => 2`)
	w.compile(`() => 3`)
	if w.scripts.Len() != 2 {
		t.Errorf("expected cache bounded at 2, got %d", w.scripts.Len())
	}
	if w.scripts.Contains(`() => 1`) {
		t.Error("expected oldest entry evicted")
	}
}

func TestServeStdio(t *testing.T) {
	var in bytes.Buffer
	enc := protocol.NewEncoder(&in)
	enc.EncodeValue(Config{Filename: "/job/main.js"})
	enc.Encode(protocol.Execute(1, `() => __filename`, nil, 1000))

	var out bytes.Buffer
	if err := ServeStdio(context.Background(), &in, &out, nil); err != nil {
		t.Fatalf("serve: %v", err)
	}

	msg, err := protocol.NewDecoder(&out).Decode()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != protocol.TypeReturn || msg.Result != "/job/main.js" {
		t.Errorf("expected RETURN /job/main.js, got %+v", msg)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	inR, inW := io.Pipe()
	defer inW.Close()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, Config{}, protocol.NewDecoder(inR), protocol.NewEncoder(io.Discard))
	}()
	protocol.NewEncoder(inW).Encode(protocol.Execute(1, `() => { while (true) {} }`, nil, 0))

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker ignored cancellation")
	}
}
