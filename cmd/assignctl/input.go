package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matt-riley/assignz/internal/core"
)

func readFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// decodeDocument reads a YAML or JSON file into dst. YAML is normalised
// through JSON so dst's json tags and number handling apply.
func decodeDocument(path string, dst any) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadAttributes reads a flat attribute map. An empty path yields no
// attributes.
func loadAttributes(path string) (core.Attributes, error) {
	if path == "" {
		return core.Attributes{}, nil
	}
	var attrs core.Attributes
	if err := decodeDocument(path, &attrs); err != nil {
		return nil, err
	}
	if attrs == nil {
		attrs = core.Attributes{}
	}
	return attrs, nil
}

// loadActions reads a map of action key to flat attribute map and splits
// each into numeric and categorical attributes.
func loadActions(path string) (map[string]core.ContextAttributes, error) {
	var raw map[string]map[string]any
	if err := decodeDocument(path, &raw); err != nil {
		return nil, err
	}
	actions := make(map[string]core.ContextAttributes, len(raw))
	for key, attrs := range raw {
		actions[key] = core.AttributesFromMap(attrs)
	}
	return actions, nil
}

// parseDefault decodes the --default flag for typ. STRING defaults may be
// given bare; everything else must be a JSON literal.
func parseDefault(typ core.VariationType, value string) (core.Value, error) {
	raw := json.RawMessage(value)
	if typ == core.VariationTypeString {
		if v, err := typ.Decode(raw); err == nil {
			return v, nil
		}
		return core.StringValue(value), nil
	}
	if typ == core.VariationTypeJSON && strings.TrimSpace(value) == "" {
		raw = json.RawMessage("{}")
	}
	return typ.Decode(raw)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
