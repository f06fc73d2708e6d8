// Package executor runs untrusted JavaScript functions on a bounded pool of
// sandboxed workers.
//
// # Overview
//
// Each call to [Executor.Run] borrows a worker, sends it the function source
// and arguments, serves the capability calls the script makes back into the
// host, and returns the awaited result. Workers are reused across calls and
// reclaimed when idle or too old.
//
// # Basic Usage
//
//	exec, err := executor.New(nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close(context.Background())
//
//	result, err := exec.Run(ctx, `(a, b) => a + b`, []any{1, 2})
//	fmt.Println(result) // 3
//
// # Capabilities
//
// Scripts see nothing of the host except the surface handed to [New]. Every
// function in it becomes an async stub inside the sandbox:
//
//	surface := capability.Object{
//	    "kv": hostfunc.NewKV(hostfunc.DefaultKVConfig()).Capability(),
//	}
//	exec, _ := executor.New(surface)
//	exec.Run(ctx, `async () => { await kv.set("a", "1"); return kv.get("a") }`, nil)
//
// # Errors
//
// Failures are returned as [*Error] and can be matched with errors.Is
// against [ErrEval], [ErrRuntime], [ErrTimeout] and [ErrExit].
//
// # Known Sources
//
// [WithKnownSources] turns Run into a lookup: callers pass a key (usually a
// [ContentHash]) and only sources present in the manifest are executed.
//
// # Launchers
//
// Workers run in-process by default. [Subprocess] runs each worker as a
// separate OS process that calls [sandbox.ServeStdio].
package executor
