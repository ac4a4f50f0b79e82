package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const ownerPolicy = `# Config files must not belong to the login user.
# Applies to every fs type.
package quilt.owner

import rego.v1

deny contains "owned by deploy" if input.resource.attributes.owner == "deploy"
`

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "policies", "owner.rego"), ownerPolicy)
	writeFile(t, filepath.Join(dir, "policies", "nested", "other.rego"), "package quilt.other\n\ndeny := set()\n")
	writeFile(t, filepath.Join(dir, "policies", "owner_test.rego"), "package quilt.owner_test\n")
	writeFile(t, filepath.Join(dir, "policies", "README.md"), "not a policy")
	single := filepath.Join(dir, "single.rego")
	writeFile(t, single, "package quilt.single\n\ndeny := set()\n")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{filepath.Join(dir, "policies"), single})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}

	got := make(map[string]Policy)
	for _, p := range policies {
		got[p.Name] = p
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d policies: %v", len(got), policies)
	}
	owner, ok := got["owner"]
	if !ok {
		t.Fatal("owner policy not loaded")
	}
	if owner.Description != "Config files must not belong to the login user. Applies to every fs type." {
		t.Errorf("description = %q", owner.Description)
	}
	if owner.Severity != SeverityError || !owner.Enabled || owner.Source == "" {
		t.Errorf("policy = %+v", owner)
	}
	if _, ok := got["single"]; !ok {
		t.Error("single file policy not loaded")
	}
}

func TestLoadPoliciesIntoEngine(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "owner.rego"), ownerPolicy)

	eng := newEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}
	if n := len(eng.Policies()); n != 3 {
		t.Errorf("engine has %d policies, want 3", n)
	}

	if err := eng.LoadPolicies(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("loading a missing path succeeded")
	}
}
