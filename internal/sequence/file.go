package sequence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/alfredjeanlab/outreach/internal/model"
)

// LoadFile reads a sequence definition from a .toml or .json file.
func LoadFile(path string) (*model.Sequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".toml", "":
		return ParseTOML(data)
	default:
		return nil, fmt.Errorf("unsupported sequence file type %q (want .toml or .json)", filepath.Ext(path))
	}
}

// ParseTOML decodes a sequence definition. Unknown keys are rejected so a
// misspelled field never silently drops a fallback or trigger.
func ParseTOML(data []byte) (*model.Sequence, error) {
	var seq model.Sequence
	md, err := toml.Decode(string(data), &seq)
	if err != nil {
		return nil, fmt.Errorf("parse sequence: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse sequence: unknown key %s", undecoded[0])
	}
	seq.Normalize()
	return &seq, nil
}

// ParseJSON decodes a JSON sequence definition.
func ParseJSON(data []byte) (*model.Sequence, error) {
	var seq model.Sequence
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seq); err != nil {
		return nil, fmt.Errorf("parse sequence: %w", err)
	}
	seq.Normalize()
	return &seq, nil
}
