package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dop251/goja"
)

var moduleExtensions = []string{".js", ".json", ".wasm"}

// requireFrom returns a require function resolving relative specifiers
// against dir. When noFilename is set relative specifiers fail because the
// entry script has no location.
func (e *execution) requireFrom(dir string, noFilename bool) func(string) goja.Value {
	return func(id string) goja.Value {
		v, err := e.require(id, dir, noFilename)
		if err != nil {
			e.throw(err)
		}
		return v
	}
}

func (e *execution) require(id, dir string, noFilename bool) (goja.Value, error) {
	if !e.w.allowed(id) {
		return nil, fmt.Errorf("'%s' module not allowed", id)
	}

	if native, ok := lookupNative(id); ok {
		key := "native:" + id
		if v, ok := e.modules[key]; ok {
			return v, nil
		}
		v, err := native(e.vm)
		if err != nil {
			return nil, fmt.Errorf("load module '%s': %w", id, err)
		}
		e.modules[key] = v
		return v, nil
	}

	if !isPath(id) {
		return nil, fmt.Errorf("cannot find module '%s'", id)
	}

	var filename string
	if filepath.IsAbs(id) {
		filename = filepath.Clean(id)
	} else {
		if noFilename {
			return nil, fmt.Errorf("empty module filename")
		}
		filename = filepath.Join(dir, id)
	}

	filename, err := resolveFile(filename)
	if err != nil {
		return nil, fmt.Errorf("cannot find module '%s'", id)
	}
	if v, ok := e.modules[filename]; ok {
		return v, nil
	}

	switch filepath.Ext(filename) {
	case ".json":
		return e.loadJSON(filename)
	case ".wasm":
		return e.loadWasm(filename)
	default:
		return e.loadScript(filename)
	}
}

func (w *worker) allowed(id string) bool {
	for _, pattern := range w.cfg.AllowedModules {
		if ok, err := doublestar.Match(pattern, id); err == nil && ok {
			return true
		}
	}
	return false
}

func isPath(id string) bool {
	return strings.HasPrefix(id, "./") || strings.HasPrefix(id, "../") || filepath.IsAbs(id)
}

// resolveFile finds filename as given or with a known extension appended.
func resolveFile(filename string) (string, error) {
	if info, err := os.Stat(filename); err == nil && !info.IsDir() {
		return filename, nil
	}
	for _, ext := range moduleExtensions {
		if info, err := os.Stat(filename + ext); err == nil && !info.IsDir() {
			return filename + ext, nil
		}
	}
	return "", os.ErrNotExist
}

// loadScript evaluates a CommonJS module. The module is cached before it
// runs so that require cycles see the partial exports.
func (e *execution) loadScript(filename string) (goja.Value, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	wrapped := "(function (exports, require, module, __filename, __dirname) {" + string(src) + "\n})"
	prog, err := goja.Compile(filename, wrapped, false)
	if err != nil {
		return nil, err
	}
	fnValue, err := e.vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, fmt.Errorf("module %s did not compile to a function", filename)
	}

	module := e.vm.NewObject()
	exports := e.vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	e.modules[filename] = exports

	dir := filepath.Dir(filename)
	_, err = fn(exports, exports, e.vm.ToValue(e.requireFrom(dir, false)), module, e.vm.ToValue(filename), e.vm.ToValue(dir))
	if err != nil {
		delete(e.modules, filename)
		return nil, err
	}

	result := module.Get("exports")
	e.modules[filename] = result
	return result, nil
}

func (e *execution) loadJSON(filename string) (goja.Value, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	v, err := e.parse(goja.Undefined(), e.vm.ToValue(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	e.modules[filename] = v
	return v, nil
}

// throw raises err inside the running script, preserving script exceptions
// and interrupts.
func (e *execution) throw(err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex.Value())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		panic(interrupted)
	}
	panic(e.vm.NewGoError(err))
}
