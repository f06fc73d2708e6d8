package hostfunc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/caffeineduck/gorun/capability"
)

const (
	DefaultMaxKeySize   = 256
	DefaultMaxValueSize = 64 << 10 // 64KB
	DefaultMaxEntries   = 10000
)

// KVConfig bounds a KV store. Zero fields mean no limit.
type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   DefaultMaxKeySize,
		MaxValueSize: DefaultMaxValueSize,
		MaxEntries:   DefaultMaxEntries,
	}
}

// KV is an in-memory key-value store shared by every script that can see it.
// Values are stored as JSON so scripts get back a copy of what they stored.
type KV struct {
	cfg  KVConfig
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

func NewKV(cfg KVConfig) *KV {
	return &KV{cfg: cfg, data: make(map[string]json.RawMessage)}
}

// Capability exposes the store as get(key, default?), set(key, value),
// delete(key) and keys().
func (kv *KV) Capability() capability.Object {
	return capability.Object{
		"get":    capability.Func(kv.Get),
		"set":    capability.Func(kv.Set),
		"delete": capability.Func(kv.Delete),
		"keys":   capability.Func(kv.Keys),
	}
}

func (kv *KV) Get(_ context.Context, args ...any) (any, error) {
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}

	kv.mu.RLock()
	raw, ok := kv.data[key]
	kv.mu.RUnlock()

	if !ok {
		if len(args) > 1 {
			return args[1], nil
		}
		return nil, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("corrupt value for %q: %w", key, err)
	}
	return v, nil
}

func (kv *KV) Set(_ context.Context, args ...any) (any, error) {
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, errors.New("value required")
	}
	if kv.cfg.MaxKeySize > 0 && len(key) > kv.cfg.MaxKeySize {
		return nil, fmt.Errorf("key exceeds max size of %d bytes", kv.cfg.MaxKeySize)
	}

	raw, err := json.Marshal(args[1])
	if err != nil {
		return nil, fmt.Errorf("value not serializable: %w", err)
	}
	if kv.cfg.MaxValueSize > 0 && len(raw) > kv.cfg.MaxValueSize {
		return nil, fmt.Errorf("value exceeds max size of %d bytes", kv.cfg.MaxValueSize)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	if _, exists := kv.data[key]; !exists && kv.cfg.MaxEntries > 0 && len(kv.data) >= kv.cfg.MaxEntries {
		return nil, fmt.Errorf("store full: max %d entries", kv.cfg.MaxEntries)
	}
	kv.data[key] = raw
	return "ok", nil
}

func (kv *KV) Delete(_ context.Context, args ...any) (any, error) {
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}

	kv.mu.Lock()
	_, existed := kv.data[key]
	delete(kv.data, key)
	kv.mu.Unlock()

	return existed, nil
}

// Keys returns the stored keys in sorted order.
func (kv *KV) Keys(_ context.Context, _ ...any) (any, error) {
	kv.mu.RLock()
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	kv.mu.RUnlock()

	slices.Sort(keys)
	return keys, nil
}
