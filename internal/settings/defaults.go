package settings

import "encoding/json"

// DefaultExtractInstructions is used when no completion config project
// supplies its own.
const DefaultExtractInstructions = "You read phone call transcripts between an agent and a customer. " +
	"Extract the outcome of the call into the requested JSON fields. " +
	"Use an empty string for anything the customer did not say."

// ExtractionFields are the fields of the default response format.
var ExtractionFields = []string{"result", "callnexttime", "bookedTime", "customerCount", "specialNotes"}

var fieldDescriptions = map[string]string{
	"result":        "Summary of the conversation result",
	"callnexttime":  "Suggested next contact time",
	"bookedTime":    "Customer's specific appointment time",
	"customerCount": "Number of visitors for the appointment",
	"specialNotes":  "Any special requests or additional notes",
}

// DefaultResponseFormat is a json_schema response format requiring every
// ExtractionFields entry as a string.
func DefaultResponseFormat() json.RawMessage {
	props := make(map[string]any, len(ExtractionFields))
	for _, f := range ExtractionFields {
		props[f] = map[string]string{"type": "string", "description": fieldDescriptions[f]}
	}
	data, _ := json.Marshal(map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name": "customer_details_extraction",
			"schema": map[string]any{
				"type":       "object",
				"properties": props,
				"required":   ExtractionFields,
			},
		},
	})
	return data
}

// RequiredFields reads json_schema.schema.required from a response format.
// Formats without a schema require nothing.
func RequiredFields(format json.RawMessage) []string {
	var f struct {
		JSONSchema struct {
			Schema struct {
				Required []string `json:"required"`
			} `json:"schema"`
		} `json:"json_schema"`
	}
	if err := json.Unmarshal(format, &f); err != nil {
		return nil
	}
	return f.JSONSchema.Schema.Required
}
