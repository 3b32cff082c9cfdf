// Package schema loads user-authored field schemas, validates them, and
// compiles them into analyzer definitions for the extraction service.
package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldType is the closed set of types a field may declare.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeDate    FieldType = "date"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// FieldTypes lists every valid FieldType in declaration order.
var FieldTypes = []FieldType{TypeString, TypeNumber, TypeDate, TypeBoolean, TypeArray, TypeObject}

// Valid reports whether t is one of FieldTypes.
func (t FieldType) Valid() bool {
	for _, ft := range FieldTypes {
		if t == ft {
			return true
		}
	}
	return false
}

// FieldSchema is one declared field. Items describes array elements and
// Properties the members of an object; both are optional.
type FieldSchema struct {
	FieldKey    string        `yaml:"fieldKey" json:"fieldKey"`
	Type        FieldType     `yaml:"type" json:"type"`
	Description string        `yaml:"description" json:"description"`
	Items       *FieldSchema  `yaml:"items,omitempty" json:"items,omitempty"`
	Properties  []FieldSchema `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// Document is a schema file: an ordered list of fields plus optional
// analyzer metadata.
type Document struct {
	Name        string        `yaml:"name,omitempty" json:"name,omitempty"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Fields      []FieldSchema `yaml:"fields" json:"fields"`

	// Source identifies where the document was read from.
	Source string `yaml:"-" json:"-"`
}

// Lookup returns the top-level field declared under key.
func (d *Document) Lookup(key string) (FieldSchema, bool) {
	for _, f := range d.Fields {
		if f.FieldKey == key {
			return f, true
		}
	}
	return FieldSchema{}, false
}

// AnalyzerName returns the explicit document name if set, otherwise a name
// derived from Source.
func (d *Document) AnalyzerName() string {
	if d.Name != "" {
		return d.Name
	}
	return AnalyzerName(d.Source)
}

// Load reads, parses, and validates the schema file at path. YAML and JSON
// are both accepted.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse validates raw schema bytes and decodes them into a Document.
func Parse(data []byte, source string) (*Document, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding schema %s: %w", source, err)
	}
	doc.Source = source
	return &doc, nil
}

var nameInvalid = regexp.MustCompile(`[^a-z0-9._-]+`)

// AnalyzerName derives an analyzer name from a schema source identifier:
// the file base name without extension, lower-cased, with runs of any other
// character collapsed to "-".
func AnalyzerName(source string) string {
	base := filepath.Base(source)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	name := nameInvalid.ReplaceAllString(strings.ToLower(base), "-")
	name = strings.Trim(name, "-.")
	if name == "" {
		return "analyzer"
	}
	return name
}
