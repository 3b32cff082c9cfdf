package schema

import (
	"encoding/json"
	"fmt"
)

// BaseAnalyzerID is the prebuilt analyzer every compiled analyzer extends.
const BaseAnalyzerID = "prebuilt-documentAnalyzer"

const methodExtract = "extract"

// AnalyzerDefinition is the create-or-replace payload for an analyzer.
type AnalyzerDefinition struct {
	Description    string                `json:"description,omitempty"`
	BaseAnalyzerID string                `json:"baseAnalyzerId"`
	Config         AnalyzerConfig        `json:"config"`
	FieldSchema    FieldSchemaDefinition `json:"fieldSchema"`
}

type AnalyzerConfig struct {
	ReturnDetails                    bool   `json:"returnDetails"`
	EstimateFieldSourceAndConfidence bool   `json:"estimateFieldSourceAndConfidence"`
	TableFormat                      string `json:"tableFormat"`
}

// FieldSchemaDefinition keys fields by fieldKey. encoding/json writes map
// keys sorted, so the encoded payload is stable for a given document.
type FieldSchemaDefinition struct {
	Name        string                     `json:"name,omitempty"`
	Description string                     `json:"description,omitempty"`
	Fields      map[string]FieldDefinition `json:"fields"`
}

type FieldDefinition struct {
	Type        FieldType                  `json:"type"`
	Method      string                     `json:"method,omitempty"`
	Description string                     `json:"description,omitempty"`
	Items       *FieldDefinition           `json:"items,omitempty"`
	Properties  map[string]FieldDefinition `json:"properties,omitempty"`
}

// Compile maps a document to its analyzer definition. It has no side
// effects; the only failure is a document that breaks the field rules.
func Compile(doc *Document) (*AnalyzerDefinition, error) {
	if doc == nil {
		return nil, &SchemaValidationError{Problems: []string{"no schema document"}}
	}
	if err := doc.Check(); err != nil {
		return nil, err
	}
	fields := make(map[string]FieldDefinition, len(doc.Fields))
	for _, f := range doc.Fields {
		def := compileField(f)
		def.Method = methodExtract
		fields[f.FieldKey] = def
	}
	return &AnalyzerDefinition{
		Description:    doc.Description,
		BaseAnalyzerID: BaseAnalyzerID,
		Config: AnalyzerConfig{
			ReturnDetails:                    true,
			EstimateFieldSourceAndConfidence: true,
			TableFormat:                      "html",
		},
		FieldSchema: FieldSchemaDefinition{
			Name:        doc.AnalyzerName(),
			Description: doc.Description,
			Fields:      fields,
		},
	}, nil
}

func compileField(f FieldSchema) FieldDefinition {
	def := FieldDefinition{
		Type:        f.Type,
		Description: f.Description,
	}
	if f.Items != nil {
		items := compileField(*f.Items)
		def.Items = &items
	}
	if len(f.Properties) > 0 {
		def.Properties = make(map[string]FieldDefinition, len(f.Properties))
		for _, p := range f.Properties {
			def.Properties[p.FieldKey] = compileField(p)
		}
	}
	return def
}

// JSON returns the indented wire form of the definition.
func (d *AnalyzerDefinition) JSON() ([]byte, error) {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding analyzer definition: %w", err)
	}
	return b, nil
}
