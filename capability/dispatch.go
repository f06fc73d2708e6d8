package capability

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Dispatch calls the function named method on the node reached by walking
// path from tree. The result passes through the innermost result mapper
// found along the way, the addressed node and function included.
func Dispatch(ctx context.Context, tree any, path []string, method string, args []any) (any, error) {
	node, mapper := unwrap(tree, nil)
	for _, key := range path {
		child, ok := member(node, key)
		if !ok {
			return nil, notFound(path, method)
		}
		node, mapper = unwrap(child, mapper)
	}

	target, ok := member(node, method)
	if !ok {
		return nil, notFound(path, method)
	}
	target, mapper = unwrap(target, mapper)
	fn, ok := asFunc(target)
	if !ok {
		return nil, notFound(path, method)
	}

	result, err := fn(ctx, args...)
	if err != nil {
		return nil, err
	}
	if mapper != nil {
		return mapper(result)
	}
	return result, nil
}

func unwrap(node any, mapper Mapper) (any, Mapper) {
	for {
		m, ok := node.(Mapped)
		if !ok {
			return node, mapper
		}
		if m.Mapper != nil {
			mapper = m.Mapper
		}
		node = m.Node
	}
}

func member(node any, key string) (any, bool) {
	switch n := node.(type) {
	case Object:
		v, ok := n[key]
		return v, ok
	case map[string]any:
		v, ok := n[key]
		return v, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(n) {
			return nil, false
		}
		return n[i], true
	case nil:
		return nil, false
	}

	v := reflect.ValueOf(node)
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		mv := v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key()))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= v.Len() {
			return nil, false
		}
		return v.Index(i).Interface(), true
	}
	return nil, false
}

func notFound(path []string, method string) error {
	name := strings.Join(append(append([]string(nil), path...), method), ".")
	return fmt.Errorf("%w: %s is not a function", ErrNotFound, name)
}
