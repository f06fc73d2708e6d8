package hostfunc

import (
	"context"
	"sync"
	"testing"
)

func TestKVSetGet(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	_, err := kv.Set(ctx, "foo", "bar")
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := kv.Get(ctx, "foo")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "bar" {
		t.Errorf("expected bar, got %v", val)
	}
}

func TestKVGetDefault(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	val, err := kv.Get(ctx, "missing", "fallback")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "fallback" {
		t.Errorf("expected fallback, got %v", val)
	}
}

func TestKVGetMissing(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	val, err := kv.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil, got %v", val)
	}
}

func TestKVDelete(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	kv.Set(ctx, "foo", "bar")
	kv.Delete(ctx, "foo")

	val, _ := kv.Get(ctx, "foo")
	if val != nil {
		t.Errorf("expected nil after delete, got %v", val)
	}
}

func TestKVKeys(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	kv.Set(ctx, "a", 1)
	kv.Set(ctx, "b", 2)
	kv.Set(ctx, "c", 3)

	result, err := kv.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}

	keys := result.([]string)
	if len(keys) != 3 {
		t.Errorf("expected 3 keys, got %d", len(keys))
	}
}

func TestKVOverwrite(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	kv.Set(ctx, "foo", "original")
	kv.Set(ctx, "foo", "updated")

	val, _ := kv.Get(ctx, "foo")
	if val != "updated" {
		t.Errorf("expected updated, got %v", val)
	}
}

func TestKVAnyValue(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	tests := []struct {
		name  string
		value any
	}{
		{"string", "hello"},
		{"int", 42},
		{"float", 3.14},
		{"bool", true},
		{"slice", []any{1, 2, 3}},
		{"map", map[string]any{"nested": "value"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := kv.Set(ctx, tt.name, tt.value)
			if err != nil {
				t.Fatalf("Set %s failed: %v", tt.name, err)
			}

			val, err := kv.Get(ctx, tt.name)
			if err != nil {
				t.Fatalf("Get %s failed: %v", tt.name, err)
			}
			if val == nil {
				t.Errorf("expected value for %s, got nil", tt.name)
			}
		})
	}
}

func TestKVKeyTooLarge(t *testing.T) {
	kv := NewKV(KVConfig{MaxKeySize: 10})
	ctx := context.Background()

	_, err := kv.Set(ctx, "this-key-is-too-long", "x")
	if err == nil {
		t.Error("expected error for key too large")
	}
}

func TestKVValueTooLarge(t *testing.T) {
	kv := NewKV(KVConfig{MaxValueSize: 10})
	ctx := context.Background()

	_, err := kv.Set(ctx, "k", "this-value-is-way-too-large")
	if err == nil {
		t.Error("expected error for value too large")
	}
}

func TestKVTooManyEntries(t *testing.T) {
	kv := NewKV(KVConfig{MaxEntries: 2})
	ctx := context.Background()

	kv.Set(ctx, "a", "1")
	kv.Set(ctx, "b", "2")

	_, err := kv.Set(ctx, "c", "3")
	if err == nil {
		t.Error("expected error for too many entries")
	}
}

func TestKVConcurrent(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + (n % 26)))
			kv.Set(ctx, key, n)
			kv.Get(ctx, key)
		}(i)
	}
	wg.Wait()
}

func TestKVKeysSorted(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	kv.Set(ctx, "b", 1)
	kv.Set(ctx, "c", 1)
	kv.Set(ctx, "a", 1)

	result, _ := kv.Keys(ctx)
	keys := result.([]string)
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Errorf("expected [a b c], got %v", keys)
	}
}

func TestKVStoresCopies(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	orig := map[string]any{"n": 1}
	kv.Set(ctx, "obj", orig)
	orig["n"] = 2

	val, _ := kv.Get(ctx, "obj")
	m := val.(map[string]any)
	if m["n"] != float64(1) {
		t.Errorf("expected stored copy with n=1, got %v", m["n"])
	}
}

func TestKVDeleteReportsExisted(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	kv.Set(ctx, "a", "1")
	if existed, _ := kv.Delete(ctx, "a"); existed != true {
		t.Error("expected delete of present key to report true")
	}
	if existed, _ := kv.Delete(ctx, "a"); existed != false {
		t.Error("expected delete of missing key to report false")
	}
}

func TestKVOverwriteAtCapacity(t *testing.T) {
	kv := NewKV(KVConfig{MaxEntries: 1})
	ctx := context.Background()

	kv.Set(ctx, "a", "1")
	if _, err := kv.Set(ctx, "a", "2"); err != nil {
		t.Errorf("overwrite at capacity should succeed, got %v", err)
	}
}

func TestKVMissingArgs(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	if _, err := kv.Get(ctx); err == nil || err.Error() != "key required" {
		t.Errorf("expected 'key required', got %v", err)
	}
	if _, err := kv.Set(ctx, "k"); err == nil || err.Error() != "value required" {
		t.Errorf("expected 'value required', got %v", err)
	}
}
