package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/bendavis78/quilt/pkg/resource"
)

// Engine evaluates Rego policies against declared resources.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		if err := e.Add(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// Add compiles a policy and registers it, replacing one of the same name.
func (e *Engine) Add(ctx context.Context, p Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}
	pkg := module.Package.Path.String()
	if pkg != "data.quilt" && !strings.HasPrefix(pkg, "data.quilt.") {
		return fmt.Errorf("policy %s: package %s is not under quilt", p.Name, strings.TrimPrefix(pkg, "data."))
	}

	query, err := rego.New(
		rego.Query(pkg+".deny"),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = &compiledPolicy{policy: &p, query: query}
	e.logger.Debug().Str("policy", p.Name).Str("package", pkg).Msg("Policy compiled")
	return nil
}

// LoadPolicies loads and compiles policy files and directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := e.Add(ctx, p); err != nil {
			return err
		}
	}
	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Policies returns every registered policy sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, *cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	return nil
}

// EvaluateEntry evaluates every enabled policy against a registry entry.
func (e *Engine) EvaluateEntry(ctx context.Context, entry *resource.Entry, dryRun bool) ([]Violation, error) {
	input := NewInput(entry, dryRun)

	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	var violations []Violation
	for _, name := range names {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s: evaluation error: %w", name, err)
		}
		for _, result := range results {
			for _, expr := range result.Expressions {
				set, ok := expr.Value.([]any)
				if !ok {
					continue
				}
				for _, d := range set {
					violations = append(violations, newViolation(cp.policy, entry.Key, d))
				}
			}
		}
	}
	return violations, nil
}

// newViolation reads a deny value: a message string or an object with
// message and severity.
func newViolation(p *Policy, key resource.Key, v any) Violation {
	violation := Violation{Policy: p.Name, Resource: key, Severity: p.Severity}
	switch val := v.(type) {
	case string:
		violation.Message = val
	case map[string]any:
		if msg, ok := val["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", v)
	}
	return violation
}

// Check evaluates every resource in coll. Warnings are logged; the first
// resource with error violations fails the check with a configuration
// error attributed to it. All violations found are returned.
func (e *Engine) Check(ctx context.Context, env *resource.Env, coll *resource.Collection) ([]Violation, error) {
	var all []Violation
	for res := range coll.All() {
		entry, ok := env.Registry.Lookup(res.Key())
		if !ok {
			continue
		}
		violations, err := e.EvaluateEntry(ctx, entry, env.DryRun)
		if err != nil {
			return all, err
		}
		all = append(all, violations...)

		var denied []string
		for _, v := range violations {
			if v.Severity == SeverityWarning {
				env.Log.Warn().
					Str("resource", v.Resource.String()).
					Str("policy", v.Policy).
					Msg(v.Message)
				continue
			}
			denied = append(denied, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
		if len(denied) > 0 {
			return all, resource.NewConfigurationError("policy violation: "+strings.Join(denied, "; "), nil).
				WithResource(entry.Key, entry.Sites)
		}
	}
	return all, nil
}
