// Package overrides holds the operator-maintained exact-match tables that
// take precedence over every other resolution source.
package overrides

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/idresolve/internal/model"
	"github.com/sells-group/idresolve/internal/normalize"
)

// Table is an immutable set of key -> company id maps, one per key class.
// Customer name keys are stored normalized. A nil *Table is empty.
type Table struct {
	classes map[model.KeyClass]map[string]string
}

// New validates and copies the given entries. Empty keys or ids, and two
// customer names that normalize to one key with different ids, are errors.
func New(entries map[model.KeyClass]map[string]string) (*Table, error) {
	t := &Table{classes: make(map[model.KeyClass]map[string]string, len(model.KeyClasses))}
	for kc, m := range entries {
		if !kc.Valid() {
			return nil, eris.Errorf("overrides: unknown key class %q", kc)
		}
		dst := make(map[string]string, len(m))
		for raw, id := range m {
			key := raw
			if kc.Normalized() {
				key = normalize.Name(raw)
			}
			if key == "" {
				return nil, eris.Errorf("overrides: %s: empty key", kc)
			}
			if id == "" {
				return nil, eris.Errorf("overrides: %s: empty company id", kc)
			}
			if prev, ok := dst[key]; ok && prev != id {
				return nil, eris.Errorf("overrides: %s: keys collide after normalization with different company ids", kc)
			}
			dst[key] = id
		}
		t.classes[kc] = dst
	}
	return t, nil
}

// Load reads <dir>/<key_class>.yaml for each key class. Each file is a flat
// YAML mapping of key to company id. Missing files leave that class empty; a
// missing directory yields an empty table.
func Load(dir string) (*Table, error) {
	entries := make(map[model.KeyClass]map[string]string)
	for _, kc := range model.KeyClasses {
		path := filepath.Join(dir, string(kc)+".yaml")
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "overrides: read %s", path)
		}

		var m map[string]string
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, eris.Wrapf(err, "overrides: parse %s", path)
		}
		entries[kc] = m
	}

	t, err := New(entries)
	if err != nil {
		return nil, err
	}

	fields := make([]zap.Field, 0, len(model.KeyClasses)+1)
	fields = append(fields, zap.String("dir", dir))
	for _, kc := range model.KeyClasses {
		fields = append(fields, zap.Int(string(kc), t.Count(kc)))
	}
	zap.L().Info("overrides: loaded static tables", fields...)
	return t, nil
}

// Lookup returns the company id for an exact key match. For customer names
// the caller passes the normalized name.
func (t *Table) Lookup(kc model.KeyClass, key string) (string, bool) {
	if t == nil || key == "" {
		return "", false
	}
	id, ok := t.classes[kc][key]
	return id, ok
}

// Count returns the number of entries for kc.
func (t *Table) Count(kc model.KeyClass) int {
	if t == nil {
		return 0
	}
	return len(t.classes[kc])
}
