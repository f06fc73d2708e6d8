package executor

import (
	"context"
	"sync"
)

// A shared executor for tests and benchmarks that only need plain
// execution, so each test does not pay for spinning up its own workers.
var (
	testExecutor     *Executor
	testExecutorOnce sync.Once
	testExecutorErr  error
)

// GetTestExecutor returns a shared executor with no capabilities.
// The executor is created once and reused.
func GetTestExecutor() (*Executor, error) {
	testExecutorOnce.Do(func() {
		testExecutor, testExecutorErr = New(nil, WithMaxWorkers(4))
	})
	return testExecutor, testExecutorErr
}

// CloseTestExecutor closes the shared test executor.
func CloseTestExecutor() {
	if testExecutor != nil {
		testExecutor.Close(context.Background())
		testExecutor = nil
		testExecutorOnce = sync.Once{}
	}
}
