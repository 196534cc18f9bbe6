package feedback

import (
	"fmt"
	"strings"
)

// SectionSeparator separates rendered sections.
const SectionSeparator = "\n\n---\n\n"

// CombineSections renders results in catalog order, regardless of the order
// they arrived in. Every catalog task must have exactly one result.
func CombineSections(c *Catalog, results []Result) (string, error) {
	byID := make(map[string]Result, len(results))
	for _, r := range results {
		if _, dup := byID[r.TaskID]; dup {
			return "", fmt.Errorf("duplicate result for task %q", r.TaskID)
		}
		byID[r.TaskID] = r
	}

	sections := make([]string, 0, c.Len())
	for _, t := range c.tasks {
		r, ok := byID[t.ID]
		if !ok {
			return "", fmt.Errorf("missing result for task %q", t.ID)
		}
		delete(byID, t.ID)
		sections = append(sections, "## "+t.Title+"\n\n"+strings.TrimSpace(r.Text))
	}

	if len(byID) > 0 {
		for id := range byID {
			return "", fmt.Errorf("result for unknown task %q", id)
		}
	}

	return strings.Join(sections, SectionSeparator), nil
}
