package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDir registers every tool manifest (*.yaml, *.yml, *.json) in dir.
// A manifest holds either one descriptor or a "tools" list.
func (m *Memory) LoadDir(dir string, logger *slog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading tools dir %s: %w", dir, err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		descs, err := LoadFile(path)
		if err != nil {
			return loaded, err
		}
		for _, d := range descs {
			if err := m.Register(d); err != nil {
				return loaded, fmt.Errorf("%s: %w", path, err)
			}
			loaded++
		}
		if logger != nil {
			logger.Debug("tool manifest loaded",
				slog.String("path", path),
				slog.Int("tools", len(descs)),
			)
		}
	}
	return loaded, nil
}

type manifest struct {
	Tools []*Descriptor `json:"tools" yaml:"tools"`
}

// LoadFile parses a single manifest file.
func LoadFile(path string) ([]*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	unmarshal := json.Unmarshal
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		unmarshal = yaml.Unmarshal
	}

	var mf manifest
	if err := unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if len(mf.Tools) > 0 {
		return mf.Tools, nil
	}

	var single Descriptor
	if err := unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if single.ID == "" {
		return nil, fmt.Errorf("manifest %s: no tools defined", path)
	}
	return []*Descriptor{&single}, nil
}
