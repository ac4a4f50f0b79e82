package policy

import (
	"github.com/bendavis78/quilt/pkg/resource"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is logged and does not block convergence.
	SeverityWarning Severity = "warning"

	// SeverityError blocks convergence.
	SeverityError Severity = "error"
)

// Policy is a Rego module whose package lives under data.quilt and which
// defines a deny set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description,omitempty"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Input is the document a policy sees as input.
type Input struct {
	Resource Resource `json:"resource"`
	DryRun   bool     `json:"dry_run"`
}

// Resource describes the resource under evaluation.
type Resource struct {
	// Key is the composite key, category.type[name].
	Key string `json:"key"`

	Category string `json:"category"`
	Type     string `json:"type"`
	Name     string `json:"name"`

	// Types lists category.type for the resource and every ancestor type.
	Types []string `json:"types"`

	// Attributes are the effective attributes after cleaning.
	Attributes map[string]any `json:"attributes"`

	// Sites are the declaration sites as file:line.
	Sites []string `json:"sites,omitempty"`
}

// NewInput builds the input for a registry entry.
func NewInput(e *resource.Entry, dryRun bool) Input {
	types := make([]string, 0, len(e.Type.Lineage)+1)
	for _, anc := range e.Type.Lineage {
		types = append(types, anc.String())
	}
	types = append(types, e.Type.String())

	sites := make([]string, len(e.Sites))
	for i, s := range e.Sites {
		sites[i] = s.String()
	}

	attrs := make(map[string]any, len(e.Attrs))
	for k, v := range e.Attrs {
		if v != nil {
			attrs[k] = v
		}
	}

	return Input{
		Resource: Resource{
			Key:        e.Key.String(),
			Category:   e.Key.Category,
			Type:       e.Key.Type,
			Name:       e.Key.Name,
			Types:      types,
			Attributes: attrs,
			Sites:      sites,
		},
		DryRun: dryRun,
	}
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the key of the offending resource.
	Resource resource.Key `json:"resource"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}
