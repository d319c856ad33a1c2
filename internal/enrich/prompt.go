package enrich

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/websets/internal/model"
	"github.com/sells-group/websets/internal/provider"
)

// systemPrompt is the instruction sent with every synthesis request.
const systemPrompt = `You are a research assistant filling in one cell of a structured dataset.

You receive the column to fill, the known values of the same row, optional source material and optional instructions.

Rules:
- Base the answer on the row values and the sources; do not invent facts
- Return valid JSON for every response
- Use null for the value if it cannot be determined
- Confidence should be 0.0-1.0 based on how directly the sources support the value
- For numbers, use raw numbers without formatting (e.g., 1000000 not "1,000,000")
- For dates, use YYYY-MM-DD
- For yes/no columns, return true/false`

// fact is a known value of the row being enriched.
type fact struct {
	Column string
	Value  any
}

// rowFacts returns the populated values of row for every column except
// target, in column order. Column defaults stand in for unpopulated cells.
func rowFacts(snap model.Snapshot, row int, target string) []fact {
	var out []fact
	for _, col := range snap.Columns {
		if col.ID == target {
			continue
		}
		if c, ok := snap.Lookup(row, col.ID); ok && c.Value != nil {
			out = append(out, fact{Column: col.Name, Value: c.Value})
			continue
		}
		if col.Default != nil {
			out = append(out, fact{Column: col.Name, Value: col.Default})
		}
	}
	return out
}

// searchQuery builds the search provider query for a row.
func searchQuery(col model.Column, facts []fact, prompt string) string {
	parts := make([]string, 0, len(facts)+1)
	for _, f := range facts {
		parts = append(parts, fmt.Sprint(f.Value))
	}
	if p := strings.TrimSpace(prompt); p != "" {
		parts = append(parts, p)
	} else {
		parts = append(parts, col.Name)
	}
	return strings.Join(parts, " ")
}

// synthesisPrompt builds the user message asking the LLM for the cell value.
func synthesisPrompt(col model.Column, facts []fact, sources []provider.Source, prompt string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Column: %s (type: %s)\n", col.Name, col.Type)
	if p := strings.TrimSpace(prompt); p != "" {
		fmt.Fprintf(&sb, "Instructions: %s\n", p)
	}

	if len(facts) > 0 {
		sb.WriteString("\n--- Row ---\n")
		for _, f := range facts {
			valJSON, _ := json.Marshal(f.Value)
			fmt.Fprintf(&sb, "- %s: %s\n", f.Column, valJSON)
		}
	}

	if len(sources) > 0 {
		sb.WriteString("\n--- Sources ---\n")
		for i, s := range sources {
			fmt.Fprintf(&sb, "[%d] %s %s\n", i+1, s.Title, s.URL)
			if s.Snippet != "" {
				sb.WriteString(s.Snippet)
				sb.WriteString("\n")
			}
		}
	}

	sb.WriteString(`
Respond with ONLY valid JSON in this format:
{
  "value": <the ` + string(col.Type) + ` value for this cell, or null>,
  "confidence": <0.0 to 1.0>
}`)
	return sb.String()
}

// answer is the parsed LLM response.
type answer struct {
	Value      any
	Confidence *float64
}

// parseAnswer reads a {"value","confidence"} object from content. Anything
// that is not such an object is taken verbatim as the value.
func parseAnswer(content string) answer {
	text := strings.TrimSpace(content)
	if text == "" {
		return answer{}
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(cleanJSON(text)), &fields); err == nil {
		if v, ok := fields["value"]; ok {
			a := answer{Value: v}
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				a.Value = nil
			}
			if c, ok := fields["confidence"].(float64); ok && c >= 0 && c <= 1 {
				a.Confidence = &c
			}
			return a
		}
	}
	return answer{Value: text}
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
