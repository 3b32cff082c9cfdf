package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed document.schema.json
var documentSchemaJSON []byte

const documentSchemaURL = "document.schema.json"

// SchemaValidationError lists every problem found in a schema document.
type SchemaValidationError struct {
	Source   string
	Problems []string
}

func (e *SchemaValidationError) Error() string {
	src := e.Source
	if src == "" {
		src = "schema"
	}
	return fmt.Sprintf("%s: %d problem(s): %s", src, len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *SchemaValidationError) Unwrap() error {
	return apperrors.ErrSchemaValidation
}

var (
	compiledOnce   sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func documentSchema() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(documentSchemaURL, bytes.NewReader(documentSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add document schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile(documentSchemaURL)
	})
	return compiledSchema, compileErr
}

// Validate checks raw YAML or JSON schema bytes: first structurally against
// the embedded document schema, then for the rules it cannot express
// (unique field keys within each level).
func Validate(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return &SchemaValidationError{Problems: []string{"not valid YAML or JSON: " + err.Error()}}
	}
	// Round-trip through encoding/json so the validator sees JSON types.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return &SchemaValidationError{Problems: []string{"unsupported document structure: " + err.Error()}}
	}
	var instance any
	if err := json.Unmarshal(encoded, &instance); err != nil {
		return &SchemaValidationError{Problems: []string{err.Error()}}
	}

	sch, err := documentSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &SchemaValidationError{Problems: flatten(verr)}
		}
		return &SchemaValidationError{Problems: []string{err.Error()}}
	}

	var doc Document
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return &SchemaValidationError{Problems: []string{err.Error()}}
	}
	return doc.Check()
}

// Check enforces the field rules on an already decoded document: types from
// the closed set and keys unique among siblings.
func (d *Document) Check() error {
	var problems []string
	if len(d.Fields) == 0 {
		problems = append(problems, "/fields: at least one field is required")
	}
	problems = append(problems, checkFields("/fields", d.Fields)...)
	if len(problems) > 0 {
		return &SchemaValidationError{Source: d.Source, Problems: problems}
	}
	return nil
}

func checkFields(path string, fields []FieldSchema) []string {
	var problems []string
	seen := make(map[string]int, len(fields))
	for i, f := range fields {
		at := fmt.Sprintf("%s/%d", path, i)
		if f.FieldKey == "" {
			problems = append(problems, at+": fieldKey is required")
		} else if prev, dup := seen[f.FieldKey]; dup {
			problems = append(problems, fmt.Sprintf("%s: duplicate fieldKey %q (first declared at %s/%d)", at, f.FieldKey, path, prev))
		} else {
			seen[f.FieldKey] = i
		}
		problems = append(problems, checkField(at, f)...)
	}
	return problems
}

func checkField(at string, f FieldSchema) []string {
	var problems []string
	if !f.Type.Valid() {
		problems = append(problems, fmt.Sprintf("%s: type %q is not one of %s", at, f.Type, typeList()))
		return problems
	}
	if f.Items != nil {
		if f.Type != TypeArray {
			problems = append(problems, at+": items is only allowed on array fields")
		} else {
			problems = append(problems, checkField(at+"/items", *f.Items)...)
		}
	}
	if len(f.Properties) > 0 {
		if f.Type != TypeObject {
			problems = append(problems, at+": properties is only allowed on object fields")
		} else {
			problems = append(problems, checkFields(at+"/properties", f.Properties)...)
		}
	}
	return problems
}

func typeList() string {
	names := make([]string, len(FieldTypes))
	for i, t := range FieldTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func flatten(verr *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	sort.Strings(out)
	return out
}
