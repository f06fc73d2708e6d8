package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"sync"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// NativeModule builds the exports of a Go-implemented module for one
// execution. Natives are still subject to the allow-list.
type NativeModule func(vm *goja.Runtime) (goja.Value, error)

var (
	nativesMu sync.RWMutex
	natives   = map[string]NativeModule{
		"path":   pathModule,
		"crypto": cryptoModule,
	}
)

// RegisterNative makes a native module available to require under name.
// It replaces any module already registered under that name.
func RegisterNative(name string, m NativeModule) {
	nativesMu.Lock()
	natives[name] = m
	nativesMu.Unlock()
}

func lookupNative(name string) (NativeModule, bool) {
	nativesMu.RLock()
	m, ok := natives[name]
	nativesMu.RUnlock()
	return m, ok
}

func pathModule(vm *goja.Runtime) (goja.Value, error) {
	obj := vm.NewObject()
	members := map[string]any{
		"sep":        "/",
		"join":       func(parts ...string) string { return path.Join(parts...) },
		"dirname":    path.Dir,
		"extname":    path.Ext,
		"normalize":  path.Clean,
		"isAbsolute": path.IsAbs,
		"basename": func(p string, ext ...string) string {
			base := path.Base(p)
			if len(ext) > 0 && ext[0] != "" && len(base) > len(ext[0]) && base[len(base)-len(ext[0]):] == ext[0] {
				base = base[:len(base)-len(ext[0])]
			}
			return base
		},
	}
	for _, name := range sortedKeys(members) {
		if err := obj.Set(name, members[name]); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func cryptoModule(vm *goja.Runtime) (goja.Value, error) {
	obj := vm.NewObject()
	if err := obj.Set("randomUUID", func() string { return uuid.NewString() }); err != nil {
		return nil, err
	}
	err := obj.Set("sha256", func(data string) string {
		sum := sha256.Sum256([]byte(data))
		return hex.EncodeToString(sum[:])
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}
