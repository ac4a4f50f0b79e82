package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// LoadFiles reads each defaults file and merges it into the store in order,
// so later files override earlier ones.
func (s *Store) LoadFiles(paths ...string) error {
	for _, path := range paths {
		m, err := LoadFile(path)
		if err != nil {
			return err
		}
		s.Merge(m)
	}
	return nil
}

// LoadFile parses a CUE or YAML defaults file into nested maps.
func LoadFile(path string) (map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read defaults file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return parseCUE(path, content)
	case ".yaml", ".yml":
		return parseYAML(path, content)
	default:
		return nil, fmt.Errorf("unsupported defaults file %s (expected .cue, .yaml or .yml)", path)
	}
}

// parseCUE compiles a CUE document, requires it to be concrete and exports it
// through JSON so numbers keep their integer-ness.
func parseCUE(path string, content []byte) (map[string]any, error) {
	ctx := cuecontext.New()
	val := ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("invalid CUE in %s: %s", path, errors.Details(err, nil))
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("defaults in %s must be concrete: %s", path, errors.Details(err, nil))
	}

	raw, err := val.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return normalize(out).(map[string]any), nil
}

func parseYAML(path string, content []byte) (map[string]any, error) {
	var out map[string]any
	if err := yaml.Unmarshal(content, &out); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return normalize(out).(map[string]any), nil
}

// normalize turns decoder output into the value shapes resources expect:
// integral numbers become int and keyed maps become map[string]any.
func normalize(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	default:
		return v
	}
}
