package retry

import (
	"context"
	"errors"
	"strings"
)

// Rule maps any of its needles (case-insensitive substrings) to a category.
type Rule struct {
	Needles  []string
	Category Category
}

// DefaultRules is the ordered rule list. The first matching rule wins, so
// more specific categories come before generic ones.
var DefaultRules = []Rule{
	{Needles: []string{"timeout"}, Category: CategoryTimeout},
	{Needles: []string{"permission", "denied"}, Category: CategoryPermissionDenied},
	{Needles: []string{"invalid", "validation"}, Category: CategoryInvalidInput},
	{Needles: []string{"network", "connection"}, Category: CategoryNetworkError},
	{Needles: []string{"temporar", "unavailable"}, Category: CategoryStorageTemporary},
}

// Classifier turns raw failures into categories.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier over rules, defaulting to DefaultRules.
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	normalized := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		needles := make([]string, 0, len(rule.Needles))
		for _, needle := range rule.Needles {
			if needle = strings.ToLower(strings.TrimSpace(needle)); needle != "" {
				needles = append(needles, needle)
			}
		}
		if len(needles) == 0 || !rule.Category.Valid() {
			continue
		}
		normalized = append(normalized, Rule{Needles: needles, Category: rule.Category})
	}
	return &Classifier{rules: normalized}
}

// Rules returns a copy of the ordered rule list.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, rule := range c.rules {
		out[i] = Rule{Needles: append([]string(nil), rule.Needles...), Category: rule.Category}
	}
	return out
}

// Classify maps err to a category. Context deadlines are timeouts regardless
// of their text.
func (c *Classifier) Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return c.ClassifyText(err.Error())
}

// ClassifyText applies the ordered substring rules to text.
func (c *Classifier) ClassifyText(text string) Category {
	text = strings.ToLower(text)
	for _, rule := range c.rules {
		for _, needle := range rule.Needles {
			if strings.Contains(text, needle) {
				return rule.Category
			}
		}
	}
	return CategoryUnknown
}
