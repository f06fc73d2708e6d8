package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/caffeineduck/gorun/executor"
	"github.com/caffeineduck/gorun/hostfunc"
	"github.com/caffeineduck/gorun/protocol"
)

// envPrefix namespaces environment overrides, e.g. GORUN_TIMEOUT=5s.
const envPrefix = "GORUN"

// app carries the state shared by every command of one invocation.
type app struct {
	v   *viper.Viper
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), log: slog.New(slog.DiscardHandler)}

	root := &cobra.Command{
		Use:   "gorun",
		Short: "Run untrusted JavaScript functions in a pooled sandbox",
		Long: `gorun - Run untrusted JavaScript functions on a pool of sandboxed workers.

Scripts are function expressions called with JSON arguments. They see no
host resources except the capabilities enabled with flags: a key-value
store, HTTP to allowed hosts, mounted directories and a clock.

Every flag can also be set in a config file (--config) or through a
GORUN_ environment variable, e.g. GORUN_ALLOW_HOST=api.example.com.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().String("config", "", "Config file (toml, yaml or json)")
	root.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "text", "Log format: text, json")

	root.AddCommand(
		newRunCmd(a),
		newServeCmd(a),
		newHashCmd(a),
		newWorkerCmd(a),
	)
	return root
}

// init merges flags, environment and the config file, then builds the logger.
func (a *app) init(cmd *cobra.Command) error {
	for _, fs := range []*pflag.FlagSet{cmd.Flags(), cmd.InheritedFlags()} {
		if err := a.v.BindPFlags(fs); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
	}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if path := a.v.GetString("config"); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	a.log = newLogger(a.v.GetString("log-level"), a.v.GetString("log-format"), cmd.ErrOrStderr())
	return nil
}

func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler

	if formatStr == "json" {
		handler = slog.NewJSONHandler(outW, handlerOpts)
	} else {
		handler = slog.NewTextHandler(outW, handlerOpts)
	}

	return slog.New(handler)
}

// addExecutorFlags registers the flags read by buildExecutor.
func addExecutorFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Duration("timeout", executor.DefaultTimeout, "Execution timeout")
	f.Int("workers", 5, "Maximum number of workers")
	f.Duration("max-idle", 10*time.Second, "Reclaim workers idle this long")
	f.Duration("max-life", 30*time.Second, "Reclaim idle workers older than this")
	f.Bool("isolate", false, "Run each worker as a separate process")
	f.String("known", "", "Only run sources from this manifest (json or toml)")
	f.String("filename", "", "Script path reported as __filename; relative requires resolve from it")
	f.StringSlice("allow-module", nil, "Allow require of modules matching glob (repeatable)")
	f.String("wasm-memory", "", "WebAssembly memory limit: 1mb, 16mb, 64mb, 256mb")
	f.String("wasm-cache", "", "Directory for the WebAssembly compilation cache")

	f.Bool("kv", false, "Enable key-value store")
	f.Bool("clock", false, "Enable host clock")
	f.StringSlice("allow-host", nil, "Allow HTTP to host (repeatable)")
	f.StringSlice("mount", nil, "Mount filesystem virtual:host:mode (repeatable)")

	// Security limits
	f.Int("http-max-url", hostfunc.DefaultMaxURLLength, "Max HTTP URL length")
	f.Int64("http-max-body", hostfunc.DefaultMaxBodySize, "Max HTTP response body size")
	f.Int64("fs-max-file", hostfunc.DefaultMaxFileSize, "Max file read and write size")
}

// buildSurface assembles the capabilities enabled in configuration.
func (a *app) buildSurface() (*hostfunc.Registry, error) {
	registry := hostfunc.NewRegistry()

	if a.v.GetBool("kv") {
		registry.Register("kv", hostfunc.NewKV(hostfunc.DefaultKVConfig()).Capability())
	}
	if a.v.GetBool("clock") {
		registry.Register("clock", hostfunc.NewClock(nil).Capability())
	}
	if hosts := a.v.GetStringSlice("allow-host"); len(hosts) > 0 {
		registry.Register("http", hostfunc.NewHTTP(hostfunc.HTTPConfig{
			AllowedHosts: hosts,
			MaxURLLength: a.v.GetInt("http-max-url"),
			MaxBodySize:  a.v.GetInt64("http-max-body"),
		}).Capability())
	}
	if specs := a.v.GetStringSlice("mount"); len(specs) > 0 {
		mounts := make([]hostfunc.Mount, 0, len(specs))
		for _, spec := range specs {
			m, err := parseMount(spec)
			if err != nil {
				return nil, err
			}
			mounts = append(mounts, m)
		}
		fs := hostfunc.NewFS(mounts...)
		fs.SetMaxFileSize(a.v.GetInt64("fs-max-file"))
		registry.Register("fs", fs.Capability())
	}
	return registry, nil
}

func (a *app) buildExecutor() (*executor.Executor, error) {
	registry, err := a.buildSurface()
	if err != nil {
		return nil, err
	}

	opts := []executor.Option{
		executor.WithLogger(a.log),
		executor.WithTimeout(a.v.GetDuration("timeout")),
		executor.WithMaxWorkers(a.v.GetInt("workers")),
		executor.WithMaxIdleTime(a.v.GetDuration("max-idle")),
		executor.WithMaxLifeTime(a.v.GetDuration("max-life")),
		executor.WithFilename(a.v.GetString("filename")),
		executor.WithAllowedModules(a.v.GetStringSlice("allow-module")...),
		executor.WithWasmCacheDir(a.v.GetString("wasm-cache")),
	}
	if pages := parseMemoryLimit(a.v.GetString("wasm-memory")); pages > 0 {
		opts = append(opts, executor.WithWasmMemoryLimit(pages))
	}
	if path := a.v.GetString("known"); path != "" {
		known, err := executor.LoadKnownSources(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, executor.WithKnownSources(known))
	}
	if a.v.GetBool("isolate") {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		opts = append(opts, executor.WithLauncher(executor.Subprocess{
			Path: self,
			Args: []string{"worker", "--log-level", a.v.GetString("log-level"), "--log-format", a.v.GetString("log-format")},
		}))
	}

	return executor.New(registry.Surface(), opts...)
}

func parseMount(spec string) (hostfunc.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return hostfunc.Mount{}, fmt.Errorf("invalid mount spec %q (expected virtual:host:mode)", spec)
	}

	var mode hostfunc.MountMode
	switch parts[2] {
	case "ro":
		mode = hostfunc.MountReadOnly
	case "rw":
		mode = hostfunc.MountReadWrite
	case "rwc":
		mode = hostfunc.MountReadWriteCreate
	default:
		return hostfunc.Mount{}, fmt.Errorf("invalid mount mode %q (expected ro, rw, or rwc)", parts[2])
	}

	return hostfunc.Mount{
		VirtualPath: parts[0],
		HostPath:    parts[1],
		Mode:        mode,
	}, nil
}

func parseMemoryLimit(s string) uint32 {
	switch strings.ToLower(s) {
	case "1mb":
		return executor.MemoryLimit1MB
	case "16mb":
		return executor.MemoryLimit16MB
	case "64mb":
		return executor.MemoryLimit64MB
	case "256mb":
		return executor.MemoryLimit256MB
	default:
		return 0 // use default
	}
}

// exitCode maps execution failures to distinct process exit codes.
func exitCode(err error) int {
	typ, ok := executor.TypeOf(err)
	if !ok {
		return 1
	}
	switch typ {
	case protocol.ErrorEval:
		return 2
	case protocol.ErrorRuntime:
		return 3
	case protocol.ErrorTimeout:
		return 4
	case protocol.ErrorExit:
		return 5
	}
	return 1
}

var errNoSource = errors.New("no source: pass a file, use --code or pipe to stdin")
