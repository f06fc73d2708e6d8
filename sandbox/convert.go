package sandbox

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/dop251/goja"
)

// toJSON converts a script value to its JSON data model the way
// JSON.stringify does. Values with no JSON form yield nil.
func (e *execution) toJSON(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	s, err := e.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(s) {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s.String()), &out); err != nil {
		return nil, fmt.Errorf("result is not serializable: %w", err)
	}
	return out, nil
}

// fromJSON builds a plain script value from JSON data.
func (e *execution) fromJSON(v any) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not serializable: %w", err)
	}
	return e.parse(goja.Undefined(), e.vm.ToValue(string(data)))
}

// toJS converts a capability client tree into deeply frozen script values.
func (e *execution) toJS(node any) (goja.Value, error) {
	switch n := node.(type) {
	case map[string]any:
		obj := e.vm.NewObject()
		for _, key := range sortedKeys(n) {
			v, err := e.toJS(n[key])
			if err != nil {
				return nil, err
			}
			if err := obj.Set(key, v); err != nil {
				return nil, err
			}
		}
		return e.frozen(obj)
	case []any:
		items := make([]any, len(n))
		for i, item := range n {
			v, err := e.toJS(item)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return e.frozen(e.vm.NewArray(items...))
	case func(goja.FunctionCall) goja.Value:
		return e.frozen(e.vm.ToValue(n))
	}
	return e.fromJSON(node)
}

func (e *execution) frozen(v goja.Value) (goja.Value, error) {
	return e.freeze(goja.Undefined(), v)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
