package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caffeineduck/gorun/executor"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func executeWithStdin(stdin string, args ...string) (string, error) {
	root := newRootCmd()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(new(bytes.Buffer))
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(newRootCmd(), "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"gorun",
		"JavaScript",
		"run",
		"serve",
		"hash",
		"--config",
		"--log-level",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIWorkerHidden(t *testing.T) {
	root := newRootCmd()
	for _, cmd := range root.Commands() {
		if cmd.Name() == "worker" {
			if !cmd.Hidden {
				t.Error("worker command should be hidden")
			}
			return
		}
	}
	t.Error("worker command not registered")
}

func TestCLIRunHelp(t *testing.T) {
	output, err := executeCommand(newRootCmd(), "run", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--code",
		"--args",
		"--timeout",
		"--kv",
		"--allow-host",
		"--mount",
		"--known",
		"--isolate",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("run help output should contain %q", phrase)
		}
	}
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(newRootCmd(), "serve", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"--addr", "/run", "/health", "408"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("serve help output should contain %q", phrase)
		}
	}
}

func TestCLIRunInline(t *testing.T) {
	output, err := executeWithStdin("", "run", "-c", "(a, b) => a + b", "--args", "[2, 3]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != "5" {
		t.Errorf("expected 5, got %q", output)
	}
}

func TestCLIRunFileAndStdin(t *testing.T) {
	file := filepath.Join(t.TempDir(), "greet.js")
	os.WriteFile(file, []byte(`(name) => ({ hello: name })`), 0644)

	output, err := executeWithStdin("", "run", file, "--args", `["world"]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(output), &got); err != nil {
		t.Fatalf("output is not JSON: %q", output)
	}
	if got["hello"] != "world" {
		t.Errorf("expected hello=world, got %v", got)
	}

	output, err = executeWithStdin("() => [1, 2]", "run")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(strings.Fields(output), "") != "[1,2]" {
		t.Errorf("expected [1,2], got %q", output)
	}
}

func TestCLIRunNoSource(t *testing.T) {
	_, err := executeWithStdin("", "run")
	if !errors.Is(err, errNoSource) {
		t.Errorf("expected errNoSource, got %v", err)
	}
}

func TestCLIRunBadArgs(t *testing.T) {
	_, err := executeWithStdin("", "run", "-c", "() => 1", "--args", "{}")
	if err == nil || !strings.Contains(err.Error(), "JSON array") {
		t.Errorf("expected args error, got %v", err)
	}
}

func TestCLIRunErrorsExitCodes(t *testing.T) {
	tests := []struct {
		source string
		args   []string
		code   int
	}{
		{"() => {", nil, 2},
		{`() => { throw new Error("x") }`, nil, 3},
		{"() => { while (true) {} }", []string{"--timeout", "50ms"}, 4},
	}
	for _, tt := range tests {
		_, err := executeWithStdin("", append([]string{"run", "-c", tt.source}, tt.args...)...)
		if err == nil {
			t.Errorf("%s: expected error", tt.source)
			continue
		}
		if got := exitCode(err); got != tt.code {
			t.Errorf("%s: expected exit code %d, got %d (%v)", tt.source, tt.code, got, err)
		}
	}
	if exitCode(errors.New("plain")) != 1 {
		t.Error("plain errors should exit 1")
	}
}

func TestCLIRunWithKV(t *testing.T) {
	output, err := executeWithStdin("", "run", "--kv", "-c",
		`async () => { await kv.set("a", 1); return kv.get("a") }`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != "1" {
		t.Errorf("expected 1, got %q", output)
	}

	_, err = executeWithStdin("", "run", "-c", `async () => kv.get("a")`)
	if err == nil {
		t.Error("kv should not be visible without --kv")
	}
}

func TestCLIRunWithMount(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "in.txt"), []byte("data"), 0644)

	output, err := executeWithStdin("", "run", "--mount", "/in:"+dir+":ro", "-c",
		`async () => fs.read("/in/in.txt")`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != `"data"` {
		t.Errorf("expected \"data\", got %q", output)
	}
}

func TestCLIConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "gorun.toml")
	os.WriteFile(cfg, []byte("clock = true\ntimeout = \"2s\"\n"), 0644)

	output, err := executeWithStdin("", "--config", cfg, "run", "-c", `async () => typeof (await clock.now())`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != `"number"` {
		t.Errorf("expected \"number\", got %q", output)
	}

	_, err = executeWithStdin("", "--config", filepath.Join(dir, "missing.toml"), "run", "-c", "() => 1")
	if err == nil {
		t.Error("expected missing config file to fail")
	}
}

func TestCLIEnvOverride(t *testing.T) {
	t.Setenv("GORUN_KV", "true")

	output, err := executeWithStdin("", "run", "-c", `() => typeof kv`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != `"object"` {
		t.Errorf("expected kv from environment, got %q", output)
	}
}

func TestCLIHashAndKnown(t *testing.T) {
	dir := t.TempDir()
	src := "(x) => x * 3"
	file := filepath.Join(dir, "triple.js")
	os.WriteFile(file, []byte(src), 0644)

	output, err := executeWithStdin("", "hash", file)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var manifest map[string]string
	if err := json.Unmarshal([]byte(output), &manifest); err != nil {
		t.Fatalf("hash output is not JSON: %q", output)
	}
	key := executor.ContentHash(src)
	if manifest[key] != src {
		t.Fatalf("expected %s in manifest, got %v", key, manifest)
	}

	tomlOut, err := executeWithStdin("", "hash", "--format", "toml", file)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	manifest = nil
	if err := toml.Unmarshal([]byte(tomlOut), &manifest); err != nil {
		t.Fatalf("hash output is not TOML: %q", tomlOut)
	}
	if manifest[key] != src {
		t.Errorf("expected %s in TOML manifest, got %v", key, manifest)
	}

	known := filepath.Join(dir, "sources.toml")
	os.WriteFile(known, []byte(tomlOut), 0644)

	output, err = executeWithStdin("", "run", "--known", known, "-c", key, "--args", "[4]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != "12" {
		t.Errorf("expected 12, got %q", output)
	}

	_, err = executeWithStdin("", "run", "--known", known, "-c", src)
	if exitCode(err) != 2 {
		t.Errorf("expected raw source to be rejected as EVAL, got %v", err)
	}
}

func TestCLIHashBadFormat(t *testing.T) {
	file := filepath.Join(t.TempDir(), "a.js")
	os.WriteFile(file, []byte("() => 1"), 0644)

	_, err := executeWithStdin("", "hash", "--format", "yaml", file)
	if err == nil || !strings.Contains(err.Error(), "unknown format") {
		t.Errorf("expected unknown format error, got %v", err)
	}
}

func TestCLIMountParsing(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"/data:./input:ro", false},
		{"/data:./input:rw", false},
		{"/data:./input:rwc", false},
		{"/data:./input", true},     // missing mode
		{"/data:./input:bad", true}, // invalid mode
		{"invalid", true},           // no colons
	}

	for _, tc := range tests {
		_, err := parseMount(tc.spec)
		if tc.wantErr && err == nil {
			t.Errorf("parseMount(%q) should error", tc.spec)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("parseMount(%q) unexpected error: %v", tc.spec, err)
		}
	}
}

func TestCLIMemoryLimit(t *testing.T) {
	if parseMemoryLimit("16MB") != executor.MemoryLimit16MB {
		t.Error("expected case-insensitive 16mb")
	}
	if parseMemoryLimit("") != 0 || parseMemoryLimit("2tb") != 0 {
		t.Error("expected unknown limits to fall back to default")
	}
}

// newTestApp binds cmd's parsed flags the way the root command does.
func newTestApp(t *testing.T, cmd *cobra.Command) *app {
	t.Helper()
	a := &app{v: viper.New()}
	if err := a.init(cmd); err != nil {
		t.Fatalf("init config: %v", err)
	}
	return a
}
