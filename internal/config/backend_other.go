//go:build !darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

func tokenHint() string {
	return " or " + filepath.Join("$XDG_DATA_HOME", appName, "secrets.yaml")
}

// fileBackend keeps non-secret keys as a flat YAML mapping in
// $XDG_CONFIG_HOME/hypersync/config.yaml. Every write re-reads the file so
// two processes editing different keys do not clobber each other.
type fileBackend struct {
	path string
}

func newPlatformBackend() ConfigBackend {
	return &fileBackend{path: filepath.Join(configDir(), "config.yaml")}
}

func (b *fileBackend) values() (map[string]string, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", b.path, err)
	}
	vals := map[string]string{}
	if err := yaml.Unmarshal(data, &vals); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", b.path, err)
	}
	return vals, nil
}

func (b *fileBackend) update(fn func(vals map[string]string)) error {
	vals, err := b.values()
	if err != nil {
		return err
	}
	fn(vals)
	data, err := yaml.Marshal(vals)
	if err != nil {
		return err
	}
	return writeFileAtomic(b.path, data)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	vals, err := b.values()
	if err != nil {
		return "", false, err
	}
	v, ok := vals[key]
	return v, ok, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return i, true, nil
}

func (b *fileBackend) SetString(key, val string) error {
	return b.update(func(vals map[string]string) { vals[key] = val })
}

func (b *fileBackend) SetInt(key string, val int) error {
	return b.SetString(key, strconv.Itoa(val))
}

func (b *fileBackend) Delete(key string) error {
	return b.update(func(vals map[string]string) { delete(vals, key) })
}
