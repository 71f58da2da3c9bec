// Package planfile reads and writes plan documents: the activities,
// resources, evidence and baselines that seed a workspace.
//
// The format follows the file extension: .json, .yaml/.yml or .toml.
// All three decode into the same document; instants are RFC3339 strings.
package planfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"reflowline/internal/domain"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

var ErrUnknownFormat = errors.New("unknown plan file format")

// Document is the exchange shape of a plan file.
type Document struct {
	Activities []domain.Activity     `json:"activities"`
	Resources  []domain.Resource     `json:"resources,omitempty"`
	Evidence   []domain.EvidenceItem `json:"evidence,omitempty"`
	Baselines  []domain.Baseline     `json:"baselines,omitempty"`
}

// DetectFormat maps a path extension to a format.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("%s: %w", path, ErrUnknownFormat)
}

// ReadFile loads a plan document from path.
func ReadFile(path string) (Document, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return Document{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := Decode(data, format)
	if err != nil {
		return Document{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// Decode parses data in the given format.
//
// YAML and TOML are first decoded generically and re-encoded as JSON so that
// one set of struct tags (and time.Time's RFC3339 handling) governs every format.
func Decode(data []byte, format Format) (Document, error) {
	var raw []byte
	switch format {
	case FormatJSON:
		raw = data
	case FormatYAML:
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return Document{}, fmt.Errorf("yaml: %w", err)
		}
		b, err := json.Marshal(normalizeYAML(v))
		if err != nil {
			return Document{}, fmt.Errorf("yaml: %w", err)
		}
		raw = b
	case FormatTOML:
		var v map[string]any
		if _, err := toml.Decode(string(data), &v); err != nil {
			return Document{}, fmt.Errorf("toml: %w", err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return Document{}, fmt.Errorf("toml: %w", err)
		}
		raw = b
	default:
		return Document{}, ErrUnknownFormat
	}
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return Document{}, err
	}
	return doc, doc.Validate()
}

// Encode renders doc in the given format.
func Encode(doc Document, format Format) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatJSON:
		return append(data, '\n'), nil
	case FormatYAML, FormatTOML:
		var generic map[string]any
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if format == FormatYAML {
			enc := yaml.NewEncoder(&buf)
			enc.SetIndent(2)
			if err := enc.Encode(generic); err != nil {
				return nil, err
			}
			return buf.Bytes(), enc.Close()
		}
		if err := toml.NewEncoder(&buf).Encode(generic); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, ErrUnknownFormat
}

// Validate checks identifiers. Dangling predecessors are allowed; the
// scheduler ignores them.
func (d Document) Validate() error {
	seen := make(map[string]bool, len(d.Activities))
	for i, a := range d.Activities {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("activities[%d]: activity_id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("activities[%d]: duplicate activity_id %s", i, a.ID)
		}
		seen[a.ID] = true
		if a.Plan.DurationMin < 0 {
			return fmt.Errorf("activity %s: duration_min must not be negative", a.ID)
		}
		if a.State == domain.StateBlocked && (a.BlockerCode == nil || *a.BlockerCode == "") {
			return fmt.Errorf("activity %s: blocked activities need a blocker_code", a.ID)
		}
	}
	for i, r := range d.Resources {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("resources[%d]: resource_id is required", i)
		}
	}
	for i, e := range d.Evidence {
		if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.EvidenceType) == "" {
			return fmt.Errorf("evidence[%d]: evidence_id and evidence_type are required", i)
		}
	}
	return nil
}

// normalizeYAML rewrites any map[any]any nodes so encoding/json accepts the tree.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = normalizeYAML(child)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[fmt.Sprint(k)] = normalizeYAML(child)
		}
		return out
	case []any:
		for i, child := range t {
			t[i] = normalizeYAML(child)
		}
		return t
	}
	return v
}
