// Package configutil reads json5 configuration files with optional local overrides.
package configutil

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// localVariant returns the override file that sits next to name, "config.json5" becomes
// "config.local.json5".
func localVariant(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + ".local" + ext
}

// layers returns the files read for name, later files take precedence.
func layers(name string) []string {
	return []string{name, localVariant(name)}
}

// ReadConfig decodes name and then merges its ".local" variant over it, fields set in the local
// file win.
//
// os.ErrNotExist is returned when none of the files exist.
func ReadConfig[T any](name string) (T, error) {
	var out T
	found := 0
	for _, path := range layers(name) {
		contents, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return out, err
		}
		if len(contents) == 0 {
			continue
		}

		var layer T
		if err := json5.Unmarshal(contents, &layer); err != nil {
			return out, fmt.Errorf("parse %s: %w", path, err)
		}
		if found > 0 {
			slog.Info("config: applying overrides", "file", path)
		}
		if err := mergo.Merge(&out, layer, mergo.WithOverride); err != nil {
			return out, fmt.Errorf("merge %s: %w", path, err)
		}
		found++
	}
	if found == 0 {
		return out, os.ErrNotExist
	}
	return out, nil
}

// ReadRecursively looks for name in the working directory and then each parent directory, the
// first directory holding any of its layers wins.
func ReadRecursively[T any](name string) (T, error) {
	var zero T
	dir, err := os.Getwd()
	if err != nil {
		return zero, err
	}
	for {
		cfg, err := ReadConfig[T](filepath.Join(dir, name))
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return zero, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return zero, os.ErrNotExist
		}
		dir = parent
	}
}
