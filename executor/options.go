package executor

import (
	"log/slog"
	"time"

	"github.com/caffeineduck/gorun/pool"
)

// DefaultTimeout bounds a Run when neither WithTimeout nor WithRunTimeout
// is given.
const DefaultTimeout = 15 * time.Second

// Option configures an Executor at creation time.
type Option func(*config)

type config struct {
	pool           pool.Config
	timeout        time.Duration
	knownSources   map[string]string
	filename       string
	allowedModules []string
	resultMapper   func(any) (any, error)
	launcher       Launcher
	logger         *slog.Logger

	scriptCacheSize  int
	memoryLimitPages uint32
	wasmCacheDir     string
}

func defaultConfig() config {
	return config{
		pool:     pool.DefaultConfig(),
		timeout:  DefaultTimeout,
		launcher: InProcess{},
	}
}

// WithMaxWorkers sets the maximum number of live workers.
func WithMaxWorkers(n int) Option {
	return func(c *config) {
		c.pool.MaxResources = n
	}
}

// WithMaxIdleTime sets how long a worker may sit idle before it is reclaimed.
func WithMaxIdleTime(d time.Duration) Option {
	return func(c *config) {
		c.pool.MaxIdleTime = d
	}
}

// WithMaxLifeTime sets the age after which an idle worker is reclaimed.
func WithMaxLifeTime(d time.Duration) Option {
	return func(c *config) {
		c.pool.MaxLifeTime = d
	}
}

// WithGCInterval sets the worker reclamation sweep period. Zero disables it.
func WithGCInterval(d time.Duration) Option {
	return func(c *config) {
		c.pool.GCInterval = d
	}
}

// WithTimeout sets the default execution timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithKnownSources restricts Run to the sources in m, addressed by key.
// Keys are typically ContentHash values produced at build time.
func WithKnownSources(m map[string]string) Option {
	return func(c *config) {
		c.knownSources = m
	}
}

// WithFilename sets the path reported to scripts as __filename. Relative
// requires resolve against its directory.
func WithFilename(name string) Option {
	return func(c *config) {
		c.filename = name
	}
}

// WithAllowedModules sets the glob patterns require specifiers must match.
//
// Examples:
//
//	executor.WithAllowedModules("path", "crypto")
//	executor.WithAllowedModules("./lib/**/*.js", "./data/*.json")
func WithAllowedModules(patterns ...string) Option {
	return func(c *config) {
		c.allowedModules = append(c.allowedModules, patterns...)
	}
}

// WithResultMapper post-processes every successful Run result.
func WithResultMapper(m func(any) (any, error)) Option {
	return func(c *config) {
		c.resultMapper = m
	}
}

// WithLauncher selects how workers are started. The default is InProcess.
func WithLauncher(l Launcher) Option {
	return func(c *config) {
		c.launcher = l
	}
}

// WithLogger sets the logger for the executor, its pool and its workers.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithScriptCacheSize bounds the number of compiled sources each worker keeps.
func WithScriptCacheSize(n int) Option {
	return func(c *config) {
		c.scriptCacheSize = n
	}
}

// WithWasmMemoryLimit sets the maximum memory of WebAssembly modules loaded
// by scripts. Each page is 64KB. Examples:
//   - WithWasmMemoryLimit(16) = 1MB max
//   - WithWasmMemoryLimit(256) = 16MB max
//   - WithWasmMemoryLimit(1024) = 64MB max
//
// Default is 0 (no limit, up to 4GB).
func WithWasmMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16
	MemoryLimit16MB  uint32 = 256
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
)

// WithWasmCacheDir enables a persistent WebAssembly compilation cache.
func WithWasmCacheDir(dir string) Option {
	return func(c *config) {
		c.wasmCacheDir = dir
	}
}

// RunOption configures a single Run.
type RunOption func(*runConfig)

type runConfig struct {
	timeout time.Duration
}

// WithRunTimeout overrides the executor timeout for one call.
func WithRunTimeout(d time.Duration) RunOption {
	return func(c *runConfig) {
		c.timeout = d
	}
}
