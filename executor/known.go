package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ContentHash returns the key under which source is stored in a known-source
// manifest.
func ContentHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Manifest builds a known-source map keyed by ContentHash.
func Manifest(sources ...string) map[string]string {
	m := make(map[string]string, len(sources))
	for _, src := range sources {
		m[ContentHash(src)] = src
	}
	return m
}

// LoadKnownSources reads a manifest mapping keys to sources. Files ending in
// .toml are parsed as TOML, everything else as JSON.
func LoadKnownSources(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	m := make(map[string]string)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &m)
	default:
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}
