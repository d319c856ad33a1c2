package dataset

import (
	"strings"

	"github.com/google/uuid"

	"github.com/sells-group/websets/internal/model"
)

// normalizeColumns trims names, assigns missing ids and checks that names
// are unique ignoring case, types are known and defaults fit their type.
func normalizeColumns(cols []model.Column) ([]model.Column, error) {
	out := make([]model.Column, 0, len(cols))
	names := make(map[string]bool, len(cols))
	ids := make(map[string]bool, len(cols))

	for i, c := range cols {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			return nil, model.Invalid("columns", "column %d has no name", i)
		}
		key := model.FoldName(c.Name)
		if names[key] {
			return nil, model.Invalid("columns", "duplicate column name %q", c.Name)
		}
		names[key] = true

		if !c.Type.Valid() {
			return nil, model.Invalid("columns", "column %q has unknown type %q", c.Name, c.Type)
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if ids[c.ID] {
			return nil, model.Invalid("columns", "duplicate column id %q", c.ID)
		}
		ids[c.ID] = true

		if c.Default != nil {
			// Defaults are checked as if the column were optional.
			probe := c
			probe.Required = false
			d, err := Coerce(probe, c.Default)
			if err != nil {
				return nil, model.Invalid("columns", "default for %q: %v", c.Name, err)
			}
			c.Default = d
		}
		out = append(out, c)
	}
	return out, nil
}

func findColumn(cols []model.Column, ref string) (model.Column, bool) {
	ws := model.Webset{Columns: cols}
	return ws.Column(ref)
}
