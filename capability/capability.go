// Package capability describes the host surface exposed to sandboxed code.
//
// A surface is a tree of [Object] maps, slices, plain values and [Func]
// leaves. [Serialize] turns it into a [Descriptor] that can cross the worker
// boundary; the worker rebuilds it with [NewClient], replacing every function
// with a stub. When a stub is called the host resolves the call with
// [Dispatch] against the original tree.
//
//	surface := capability.Object{
//	    "math": capability.Object{
//	        "add": capability.Func(func(ctx context.Context, args ...any) (any, error) {
//	            return args[0].(float64) + args[1].(float64), nil
//	        }),
//	    },
//	}
package capability

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrNotFound is returned by Dispatch when the addressed member is missing or
// not callable.
var ErrNotFound = errors.New("capability: not found")

// Func is a host function callable from sandboxed code. Arguments arrive
// JSON-decoded. Implementations must be safe for concurrent use.
type Func func(ctx context.Context, args ...any) (any, error)

// Object is a named group of capabilities and values.
type Object map[string]any

// Mapper post-processes the result of any call made inside a subtree.
type Mapper func(result any) (any, error)

// Mapped attaches a result mapper to a subtree. It is invisible to
// sandboxed code.
type Mapped struct {
	Node   any
	Mapper Mapper
}

// WithResultMapper wraps node so that results of calls beneath it pass
// through m.
func WithResultMapper(node any, m Mapper) Mapped {
	return Mapped{Node: node, Mapper: m}
}

// Kind classifies a Descriptor node.
type Kind string

const (
	KindObject     Kind = "object"
	KindArray      Kind = "array"
	KindCapability Kind = "capability"
	KindValue      Kind = "value"
)

// Descriptor is the serializable shape of a surface.
type Descriptor struct {
	Kind   Kind                   `json:"kind"`
	Value  any                    `json:"value,omitempty"`
	Fields map[string]*Descriptor `json:"fields,omitempty"`
	Items  []*Descriptor          `json:"items,omitempty"`
}

// StubFactory builds the sandbox-side stand-in for the capability reached
// via path and named method.
type StubFactory func(method string, path []string) any

// Serialize walks tree and returns its descriptor. Function leaves must be
// a Func (or the equivalent unnamed func type); any other function type is
// an error.
func Serialize(tree any) (*Descriptor, error) {
	return serialize(tree, nil)
}

func serialize(node any, path []string) (*Descriptor, error) {
	if m, ok := node.(Mapped); ok {
		return serialize(m.Node, path)
	}
	if _, ok := asFunc(node); ok {
		return &Descriptor{Kind: KindCapability}, nil
	}
	if node == nil {
		return &Descriptor{Kind: KindValue}, nil
	}

	v := reflect.ValueOf(node)
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return &Descriptor{Kind: KindValue, Value: node}, nil
		}
		d := &Descriptor{Kind: KindObject, Fields: make(map[string]*Descriptor, v.Len())}
		iter := v.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			child, err := serialize(iter.Value().Interface(), append(path, key))
			if err != nil {
				return nil, err
			}
			d.Fields[key] = child
		}
		return d, nil

	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return &Descriptor{Kind: KindValue, Value: node}, nil
		}
		d := &Descriptor{Kind: KindArray, Items: make([]*Descriptor, v.Len())}
		for i := range v.Len() {
			child, err := serialize(v.Index(i).Interface(), append(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			d.Items[i] = child
		}
		return d, nil

	case reflect.Func:
		return nil, fmt.Errorf("capability: %s: unsupported function type %T", strings.Join(path, "."), node)
	}
	return &Descriptor{Kind: KindValue, Value: node}, nil
}

// NewClient rebuilds the tree described by d, replacing each capability with
// the stub returned by factory. Objects become map[string]any and arrays
// []any.
func NewClient(d *Descriptor, factory StubFactory) any {
	return build(d, nil, factory)
}

func build(d *Descriptor, path []string, factory StubFactory) any {
	if d == nil {
		return nil
	}
	switch d.Kind {
	case KindObject:
		out := make(map[string]any, len(d.Fields))
		for key, child := range d.Fields {
			out[key] = build(child, appendPath(path, key), factory)
		}
		return out
	case KindArray:
		out := make([]any, len(d.Items))
		for i, child := range d.Items {
			out[i] = build(child, appendPath(path, strconv.Itoa(i)), factory)
		}
		return out
	case KindCapability:
		if len(path) == 0 {
			return factory("", nil)
		}
		return factory(path[len(path)-1], path[:len(path)-1])
	}
	return d.Value
}

// appendPath copies so sibling branches never share a backing array.
func appendPath(path []string, key string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, key)
}

func asFunc(node any) (Func, bool) {
	switch f := node.(type) {
	case Func:
		return f, f != nil
	case func(context.Context, ...any) (any, error):
		return Func(f), f != nil
	}
	return nil, false
}
