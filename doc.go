// Package gorun runs untrusted JavaScript functions on a pool of sandboxed
// workers.
//
// # Overview
//
// Scripts are function expressions executed in a fresh JavaScript runtime
// with zero default capabilities. The host decides what a script can reach
// by handing the executor a capability surface: an object tree whose
// functions become async stubs inside the sandbox.
//
// # Basic Usage
//
//	exec, _ := executor.New(capability.Object{
//	    "kv": hostfunc.NewKV(hostfunc.DefaultKVConfig()).Capability(),
//	})
//	defer exec.Close(ctx)
//
//	result, err := exec.Run(ctx, `async (k) => {
//	    await kv.set(k, 1)
//	    return kv.get(k)
//	}`, []any{"a"})
//
// # Errors
//
//	_, err := exec.Run(ctx, `() => { while (true) {} }`, nil,
//	    executor.WithRunTimeout(time.Second))
//	errors.Is(err, executor.ErrTimeout) // true
//
// # Serving over HTTP
//
//	http.ListenAndServe(":8080", httpapi.NewHandler(exec))
//
// See the [executor], [capability], [hostfunc], [sandbox] and [httpapi]
// packages for detailed API documentation.
package gorun
