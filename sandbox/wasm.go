package sandbox

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/dop251/goja"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// wasmHost owns the worker's wazero runtime. It is created on the first
// .wasm require and compiled modules are reused across executions.
type wasmHost struct {
	memoryLimitPages uint32
	cacheDir         string

	mu       sync.Mutex
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[string]wazero.CompiledModule
}

func newWasmHost(memoryLimitPages uint32, cacheDir string) *wasmHost {
	return &wasmHost{
		memoryLimitPages: memoryLimitPages,
		cacheDir:         cacheDir,
		compiled:         make(map[string]wazero.CompiledModule),
	}
}

func (h *wasmHost) compile(ctx context.Context, filename string) (wazero.Runtime, wazero.CompiledModule, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runtime == nil {
		cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
		if h.cacheDir != "" {
			cache, err := wazero.NewCompilationCacheWithDir(h.cacheDir)
			if err != nil {
				return nil, nil, fmt.Errorf("create wasm cache: %w", err)
			}
			h.cache = cache
			cfg = cfg.WithCompilationCache(cache)
		}
		if h.memoryLimitPages > 0 {
			cfg = cfg.WithMemoryLimitPages(h.memoryLimitPages)
		}
		h.runtime = wazero.NewRuntimeWithConfig(context.Background(), cfg)
	}

	if compiled, ok := h.compiled[filename]; ok {
		return h.runtime, compiled, nil
	}
	code, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, err
	}
	compiled, err := h.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("compile %s: %w", filename, err)
	}
	h.compiled[filename] = compiled
	return h.runtime, compiled, nil
}

func (h *wasmHost) close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	if h.runtime != nil {
		if err := h.runtime.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if h.cache != nil {
		if err := h.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// loadWasm instantiates a WebAssembly module for this execution and exposes
// its exported functions. Numbers are converted according to the declared
// parameter and result types.
func (e *execution) loadWasm(filename string) (goja.Value, error) {
	rt, compiled, err := e.w.wasm.compile(e.ctx, filename)
	if err != nil {
		return nil, err
	}
	mod, err := rt.InstantiateModule(e.ctx, compiled, wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize"))
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", filename, err)
	}
	e.instances = append(e.instances, mod)

	obj := e.vm.NewObject()
	defs := compiled.ExportedFunctions()
	for _, name := range sortedKeys(defs) {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			continue
		}
		if err := obj.Set(name, e.wasmFunc(name, fn, defs[name])); err != nil {
			return nil, err
		}
	}
	v, err := e.frozen(obj)
	if err != nil {
		return nil, err
	}
	e.modules[filename] = v
	return v, nil
}

func (e *execution) wasmFunc(name string, fn api.Function, def api.FunctionDefinition) func(goja.FunctionCall) goja.Value {
	params := def.ParamTypes()
	results := def.ResultTypes()
	return func(call goja.FunctionCall) goja.Value {
		stack := make([]uint64, len(params))
		for i, t := range params {
			x := call.Argument(i).ToFloat()
			v, err := encodeWasm(t, x)
			if err != nil {
				panic(e.vm.NewTypeError("%s: argument %d: %v", name, i, err))
			}
			stack[i] = v
		}

		out, err := fn.Call(e.ctx, stack...)
		if err != nil {
			if e.ctx.Err() != nil {
				panic(e.vm.NewGoError(errTimedOut))
			}
			panic(e.vm.NewGoError(fmt.Errorf("%s: %w", name, err)))
		}

		switch len(results) {
		case 0:
			return goja.Undefined()
		case 1:
			return e.vm.ToValue(decodeWasm(results[0], out[0]))
		}
		vals := make([]any, len(results))
		for i, t := range results {
			vals[i] = decodeWasm(t, out[i])
		}
		return e.vm.NewArray(vals...)
	}
}

func encodeWasm(t api.ValueType, x float64) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		return api.EncodeI32(int32(x)), nil
	case api.ValueTypeI64:
		return api.EncodeI64(int64(x)), nil
	case api.ValueTypeF32:
		return api.EncodeF32(float32(x)), nil
	case api.ValueTypeF64:
		return api.EncodeF64(x), nil
	}
	return 0, fmt.Errorf("unsupported value type %s", api.ValueTypeName(t))
}

func decodeWasm(t api.ValueType, v uint64) any {
	switch t {
	case api.ValueTypeI32:
		return api.DecodeI32(v)
	case api.ValueTypeI64:
		return int64(v)
	case api.ValueTypeF32:
		return float64(api.DecodeF32(v))
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	}
	return math.NaN()
}
