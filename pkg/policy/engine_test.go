package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/resources/fs"
	"github.com/bendavis78/quilt/pkg/settings"
	"github.com/bendavis78/quilt/pkg/transports/transporttest"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func newEnv(t *testing.T) *resource.Env {
	t.Helper()
	store := settings.New()
	fs.Defaults(store)
	return resource.NewEnv(transporttest.New(), store, resource.WithLogger(zerolog.Nop()))
}

func site() resource.Site {
	return resource.Site{File: "quiltfile.star", Line: 4}
}

func TestNewEngineBuiltins(t *testing.T) {
	eng := newEngine(t)
	var names []string
	for _, p := range eng.Policies() {
		names = append(names, p.Name)
	}
	if got := strings.Join(names, ","); got != "relative_symlink_path,world_writable" {
		t.Errorf("policies = %s", got)
	}
}

func TestBuiltinPolicies(t *testing.T) {
	eng := newEngine(t)

	tests := []struct {
		name    string
		declare func(env *resource.Env) resource.Resource
		policy  string
	}{
		{
			name: "world-writable file",
			declare: func(env *resource.Env) resource.Resource {
				return fs.NewFile(env, "/srv/open", site(), resource.Attrs{"mode": 0o666})
			},
			policy: "world_writable",
		},
		{
			name: "sticky world-writable directory",
			declare: func(env *resource.Env) resource.Resource {
				return fs.NewDirectory(env, "/srv/tmp", site(), resource.Attrs{"mode": 0o1777})
			},
		},
		{
			name: "private file",
			declare: func(env *resource.Env) resource.Resource {
				return fs.NewFile(env, "/srv/key", site(), resource.Attrs{"mode": "0600"})
			},
		},
		{
			name: "relative symlink",
			declare: func(env *resource.Env) resource.Resource {
				return fs.NewSymlink(env, "/srv/current", site(), resource.Attrs{"target": "releases/42"})
			},
			policy: "relative_symlink_path",
		},
		{
			name: "absolute symlink",
			declare: func(env *resource.Env) resource.Resource {
				return fs.NewSymlink(env, "/srv/current", site(), resource.Attrs{"target": "/srv/releases/42"})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			res := tt.declare(env)
			if err := res.Clean(); err != nil {
				t.Fatalf("Clean: %v", err)
			}
			entry, _ := env.Registry.Lookup(res.Key())
			violations, err := eng.EvaluateEntry(context.Background(), entry, false)
			if err != nil {
				t.Fatalf("EvaluateEntry: %v", err)
			}
			if tt.policy == "" {
				if len(violations) != 0 {
					t.Errorf("unexpected violations %+v", violations)
				}
				return
			}
			if len(violations) != 1 || violations[0].Policy != tt.policy || violations[0].Resource != res.Key() {
				t.Errorf("violations = %+v, want one from %s", violations, tt.policy)
			}
		})
	}
}

func TestCheckAttributesViolation(t *testing.T) {
	eng := newEngine(t)
	env := newEnv(t)

	coll := resource.NewCollection(
		fs.NewFile(env, "/srv/ok", site(), nil),
		fs.NewFile(env, "/srv/open", resource.Site{File: "quiltfile.star", Line: 9}, resource.Attrs{"mode": 0o646}),
	)
	if err := coll.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}

	violations, err := eng.Check(context.Background(), env, coll)
	if !resource.IsConfiguration(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	for _, want := range []string{"fs.file[/srv/open]", "world_writable", "quiltfile.star:9"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
	if len(violations) != 1 {
		t.Errorf("violations = %+v", violations)
	}
}

func TestCustomPolicyWarning(t *testing.T) {
	eng := newEngine(t)
	err := eng.Add(context.Background(), Policy{
		Name:    "no_root_dirs",
		Enabled: true,
		Rego: `package quilt.custom

import rego.v1

deny contains {"message": "directory owned by root", "severity": "warning"} if {
	input.resource.type == "directory"
	input.resource.attributes.owner == "root"
}

deny contains "dry runs only" if {
	input.resource.type == "file"
	not input.dry_run
}
`,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	env := newEnv(t)
	env.DryRun = true
	coll := resource.NewCollection(
		fs.NewDirectory(env, "/srv/app", site(), nil),
		fs.NewFile(env, "/srv/app/a", site(), nil),
	)
	if err := coll.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	violations, err := eng.Check(context.Background(), env, coll)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(violations) != 1 || violations[0].Severity != SeverityWarning || violations[0].Message != "directory owned by root" {
		t.Errorf("violations = %+v", violations)
	}

	env.DryRun = false
	if _, err := eng.Check(context.Background(), env, coll); !resource.IsConfiguration(err) || !strings.Contains(err.Error(), "dry runs only") {
		t.Errorf("err = %v, want dry runs only violation", err)
	}
}

func TestAddRejects(t *testing.T) {
	eng := newEngine(t)

	tests := []struct {
		name string
		rego string
		want string
	}{
		{"outside quilt", "package other\n\ndeny contains \"x\" if { true }\n", "not under quilt"},
		{"syntax error", "package quilt.bad\n\ndeny contains if {\n", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.Add(context.Background(), Policy{Name: tt.name, Rego: tt.rego, Enabled: true})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newEngine(t)
	if err := eng.DisablePolicy("world_writable"); err != nil {
		t.Fatalf("DisablePolicy: %v", err)
	}
	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("disabling an unknown policy succeeded")
	}

	env := newEnv(t)
	coll := resource.NewCollection(fs.NewFile(env, "/srv/open", site(), resource.Attrs{"mode": 0o666}))
	if err := coll.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if _, err := eng.Check(context.Background(), env, coll); err != nil {
		t.Errorf("Check with world_writable disabled: %v", err)
	}
}
