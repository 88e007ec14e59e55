package openai

import (
	"fmt"
	"strings"

	"github.com/poiesic/kgraph/ai"
)

const extractionResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"},
          "description": {"type": "string"}
        },
        "required": ["name", "type"],
        "additionalProperties": false
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "source": {"type": "string"},
          "target": {"type": "string"},
          "label": {"type": "string"}
        },
        "required": ["source", "target", "label"],
        "additionalProperties": false
      }
    }
  },
  "required": ["nodes", "edges"],
  "additionalProperties": false
}`

const extractionPromptTemplate = `You build knowledge graphs. Extract the entities in the given text and the relations between them, and return them as JSON.

Output ONLY valid JSON which complies with the schema given below. Do not include any preamble, explanation,
greeting, or acknowledgment. Start your response directly with the opening brace { and end with the closing
brace }. Your output must exactly follow this schema:

%s

Rules:
- Node names are the most complete form of the entity used in the text, e.g. "marie curie" rather than "curie".
- Node type must be exactly one of: %s.
- Description is one short sentence taken from the text, or empty.
- Edge source and target must be names of nodes you returned.
- Edge labels are short lowercase verbs in snake_case%s.
- Include only entities and relations explicitly stated or clearly implied by the text. Do not hallucinate.
- If nothing can be extracted, return {"nodes": [], "edges": []}.
- The JSON must parse without errors; no trailing commas, no extra keys, and no extraneous text outside the object.

Example:
Input: "Marie Curie worked at the University of Paris, where she discovered radium."
Output:
{
  "nodes": [
    {"name":"marie curie","type":"person","description":"Physicist who discovered radium."},
    {"name":"university of paris","type":"organization","description":""},
    {"name":"radium","type":"concept","description":"Element discovered by Marie Curie."}
  ],
  "edges": [
    {"source":"marie curie","target":"university of paris","label":"worked_at"},
    {"source":"marie curie","target":"radium","label":"discovered"}
  ]
}`

// buildSystemPrompt creates the system prompt for schema.
func buildSystemPrompt(schema ai.Schema) string {
	types := schema.NodeTypes
	if len(types) == 0 {
		types = ai.DefaultSchema.NodeTypes
	}
	labels := ""
	if len(schema.RelationLabels) > 0 {
		labels = ", chosen from: " + strings.Join(schema.RelationLabels, ", ")
	}
	return fmt.Sprintf(extractionPromptTemplate, extractionResponseSchema, strings.Join(types, ", "), labels)
}
