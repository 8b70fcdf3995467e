package ledgertest

import (
	"fmt"
	"strings"
)

// condition is one `key='value'` clause of an event query.
type condition struct {
	key   string
	value string
}

// matcher evaluates the conjunctive equality queries the binding issues
// against the composite-key event map of a transaction.
type matcher struct {
	raw        string
	conditions []condition
}

func parseQuery(q string) (*matcher, error) {
	m := &matcher{raw: q}
	for _, clause := range strings.Split(q, " AND ") {
		clause = strings.TrimSpace(clause)
		key, value, ok := strings.Cut(clause, "=")
		if !ok {
			return nil, fmt.Errorf("unsupported query clause %q", clause)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "'")
		if key == "" {
			return nil, fmt.Errorf("empty key in clause %q", clause)
		}
		m.conditions = append(m.conditions, condition{key: key, value: value})
	}
	return m, nil
}

func (m *matcher) matches(events map[string][]string) bool {
	for _, c := range m.conditions {
		found := false
		for _, v := range events[c.key] {
			if v == c.value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
