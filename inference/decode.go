package inference

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// OutputSchema is the JSON schema a takeoff response must satisfy.
const OutputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["takeoff"],
  "properties": {
    "takeoff": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "quantity", "unit"],
        "properties": {
          "name":         {"type": "string", "minLength": 1},
          "category":     {"type": "string"},
          "quantity":     {"type": "number", "minimum": 0},
          "unit":         {"type": "string", "minLength": 1},
          "location_key": {"type": "string"},
          "unit_cost":    {"type": "number", "minimum": 0},
          "confidence":   {"type": "number", "minimum": 0, "maximum": 1},
          "schedule":     {"type": "boolean"},
          "anchors": {
            "type": "array",
            "items": {
              "type": "object",
              "additionalProperties": false,
              "properties": {
                "page":     {"type": "integer", "minimum": 1},
                "sheet_id": {"type": "string"},
                "ref":      {"type": "string"}
              }
            }
          }
        }
      }
    },
    "analysis": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["kind", "severity", "message"],
        "properties": {
          "kind":     {"type": "string", "minLength": 1},
          "severity": {"enum": ["info", "warning", "critical"]},
          "message":  {"type": "string", "minLength": 1},
          "page":     {"type": "integer", "minimum": 1},
          "sheet_id": {"type": "string"}
        }
      }
    }
  }
}`

var outputSchema = jsonschema.MustCompileString("planset-output.json", OutputSchema)

// OutputAnchor is a source reference given by the model.
type OutputAnchor struct {
	Page    int    `json:"page,omitempty"`
	SheetID string `json:"sheet_id,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

// OutputItem is one takeoff row given by the model.
type OutputItem struct {
	Name        string         `json:"name"`
	Category    string         `json:"category,omitempty"`
	Quantity    float64        `json:"quantity"`
	Unit        string         `json:"unit"`
	LocationKey string         `json:"location_key,omitempty"`
	UnitCost    *float64       `json:"unit_cost,omitempty"`
	Confidence  *float64       `json:"confidence,omitempty"`
	Schedule    bool           `json:"schedule,omitempty"`
	Anchors     []OutputAnchor `json:"anchors,omitempty"`
}

// OutputFinding is one analysis entry given by the model.
type OutputFinding struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Page     int    `json:"page,omitempty"`
	SheetID  string `json:"sheet_id,omitempty"`
}

// Output is a recognized model response.
type Output struct {
	Takeoff  []OutputItem    `json:"takeoff"`
	Analysis []OutputFinding `json:"analysis"`
}

// Unparsed is model output that failed the schema.
type Unparsed struct {
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
}

// Decoded is either Recognized or Unparsed, never both.
type Decoded struct {
	Recognized *Output   `json:"recognized,omitempty"`
	Unparsed   *Unparsed `json:"unparsed,omitempty"`
}

// OK reports whether the output was recognized.
func (d Decoded) OK() bool { return d.Recognized != nil }

// Decode validates raw against OutputSchema. A leading/trailing markdown
// code fence is tolerated; nothing else is coerced.
func Decode(raw string) Decoded {
	body := stripFence(raw)
	unparsed := func(reason string) Decoded {
		return Decoded{Unparsed: &Unparsed{Raw: raw, Reason: reason}}
	}

	var v any
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return unparsed(fmt.Sprintf("invalid json: %v", err))
	}
	if dec.More() {
		return unparsed("trailing data after json value")
	}
	if err := outputSchema.Validate(v); err != nil {
		return unparsed(fmt.Sprintf("schema: %v", err))
	}

	var out Output
	if err := json.NewDecoder(bytes.NewReader([]byte(body))).Decode(&out); err != nil {
		return unparsed(fmt.Sprintf("decode: %v", err))
	}
	if out.Takeoff == nil {
		out.Takeoff = []OutputItem{}
	}
	if out.Analysis == nil {
		out.Analysis = []OutputFinding{}
	}
	return Decoded{Recognized: &out}
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return s
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
