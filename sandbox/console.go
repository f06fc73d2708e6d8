package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/dop251/goja"
)

var consoleLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"log":   slog.LevelInfo,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// console returns a frozen console object that writes to the worker logger.
func (e *execution) console() (goja.Value, error) {
	obj := e.vm.NewObject()
	for _, name := range sortedKeys(consoleLevels) {
		level := consoleLevels[name]
		fn := func(call goja.FunctionCall) goja.Value {
			e.w.log.Log(context.Background(), level, e.format(call.Arguments), "source", "console", "run", e.run)
			return goja.Undefined()
		}
		if err := obj.Set(name, fn); err != nil {
			return nil, err
		}
	}
	return e.frozen(obj)
}

func (e *execution) format(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = e.inspect(a)
	}
	return strings.Join(parts, " ")
}

func (e *execution) inspect(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, isFunc := goja.AssertFunction(obj); !isFunc && obj.ClassName() != "Error" {
			if data, err := e.toJSON(obj); err == nil {
				if b, err := json.Marshal(data); err == nil {
					return string(b)
				}
			}
		}
	}
	return v.String()
}
