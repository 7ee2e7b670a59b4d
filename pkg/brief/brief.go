// Package brief loads job briefs from YAML or JSON files.
//
// A brief is validated against the embedded JSON schema before it is decoded,
// so unknown fields and out-of-range values are rejected up front. Defaults
// are applied after validation.
package brief

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// DefaultProductionType is used when a brief omits production_type.
const DefaultProductionType = pipeline.ProductionNovel

// Load reads and validates a brief from path. The format follows the
// extension (.yaml/.yml or .json); anything else is tried as YAML, then JSON.
func Load(path string) (*pipeline.Brief, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("brief file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading brief: %s", path)
		}
		return nil, fmt.Errorf("failed to read brief file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromReader reads and validates a brief from r. path is used only for
// format detection and may be empty.
func LoadFromReader(r io.Reader, path string) (*pipeline.Brief, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read brief: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes validates the raw document against the schema, decodes it
// and applies defaults.
func LoadFromBytes(data []byte, path string) (*pipeline.Brief, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("brief is empty")
	}
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var b pipeline.Brief
	if err := json.Unmarshal(jsonData, &b); err != nil {
		return nil, fmt.Errorf("invalid brief: %w", err)
	}
	ApplyDefaults(&b)
	return &b, nil
}

// Validate checks an already-decoded brief, e.g. one received over HTTP.
func Validate(b *pipeline.Brief) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to serialize brief for validation: %w", err)
	}
	// omitempty drops unset optional fields, but production_type is always
	// emitted; let defaults fill it instead of failing the enum.
	if b.ProductionType == "" {
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		delete(raw, "production_type")
		if data, err = json.Marshal(raw); err != nil {
			return err
		}
	}
	return ValidateRaw(data)
}

// ApplyDefaults normalizes whitespace and fills optional fields.
func ApplyDefaults(b *pipeline.Brief) {
	b.Title = strings.TrimSpace(b.Title)
	b.Genre = strings.TrimSpace(b.Genre)
	b.Premise = strings.TrimSpace(b.Premise)
	b.Owner = strings.TrimSpace(b.Owner)
	if b.ProductionType == "" {
		b.ProductionType = DefaultProductionType
	}
}

func toJSON(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in brief: %w", err)
		}
		return data, nil
	case ".yaml", ".yml":
		return yamlToJSON(data)
	default:
		out, err := yamlToJSON(data)
		if err == nil {
			return out, nil
		}
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse brief (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in brief: %w", err)
	}
	if _, ok := raw.(map[string]any); !ok {
		return nil, errors.New("brief must be a mapping")
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert brief to JSON: %w", err)
	}
	return out, nil
}
