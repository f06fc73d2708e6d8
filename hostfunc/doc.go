// Package hostfunc provides ready-made capabilities for sandboxed scripts.
//
// Scripts have no implicit access to system resources. Each capability is a
// subtree of the surface passed to executor.New and shows up in the script as
// a global object whose methods return promises.
//
// # Registry
//
// The [Registry] collects named subtrees into a surface:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("greet", capability.Func(func(ctx context.Context, args ...any) (any, error) {
//	    return fmt.Sprintf("hello %v", args[0]), nil
//	}))
//	exec, _ := executor.New(registry.Surface())
//
// # Built-in Capabilities
//
// HTTP: Controlled network access via [HTTP] and [HTTPConfig].
//
//	http := hostfunc.NewHTTP(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	})
//	registry.Register("http", http.Capability())
//	// script: await http.get("https://api.example.com/items")
//
// Filesystem: Mount-based access via [FS], [Mount], and [MountMode].
//
//	fs := hostfunc.NewFS(hostfunc.Mount{
//	    VirtualPath: "/data", HostPath: "./input", Mode: hostfunc.MountReadOnly,
//	})
//	registry.Register("fs", fs.Capability())
//	// script: await fs.read("/data/config.json")
//
// Key-Value Store: In-memory storage via [KV] and [KVConfig].
//
//	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
//	registry.Register("kv", kv.Capability())
//	// script: await kv.set("a", {n: 1}); await kv.get("a")
//
// Clock: host time via [Clock].
//
// # Security Model
//
// All capabilities follow the principle of least privilege:
//   - HTTP requests are limited to explicitly allowed hosts
//   - Filesystem access is restricted to mounted paths with specific permissions
//   - All operations have configurable size limits to prevent resource exhaustion
package hostfunc
