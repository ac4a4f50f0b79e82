package resources

import (
	"testing"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/transports/transporttest"
)

func TestCatalogKinds(t *testing.T) {
	env := resource.NewEnv(transporttest.New(), NewStore())
	builtins := map[string]bool{}
	for _, k := range All() {
		if builtins[k.Builtin] {
			t.Errorf("duplicate builtin %q", k.Builtin)
		}
		builtins[k.Builtin] = true

		r := k.New(env, "x", resource.Site{File: "catalog_test", Line: 1}, nil)
		key := r.Key()
		if key.Category != k.Type.Category || key.Type != k.Type.Name || key.Name != "x" {
			t.Errorf("%s declared %s", k.Builtin, key)
		}
	}
	if len(builtins) != len(catalog) {
		t.Errorf("All() returned %d kinds, catalog has %d", len(builtins), len(catalog))
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"file", "fs.file", true},
		{"fs.directory", "fs.directory", true},
		{"postgresql_privilege", "postgresql.privilege", true},
		{"nginx.site", "nginx.site", true},
		{"fs.socket", "", false},
	}
	for _, tt := range tests {
		k, ok := Lookup(tt.name)
		if ok != tt.ok || (ok && k.Type.String() != tt.want) {
			t.Errorf("Lookup(%q) = %v, %v", tt.name, k.Type, ok)
		}
	}
}

func TestNewStoreDefaults(t *testing.T) {
	store := NewStore()
	if got := store.Get("fs", "file", "owner"); got != "root" {
		t.Errorf("fs.file owner = %v", got)
	}
	if got := store.Get("fs", "directory", "mode"); got != 0o755 {
		t.Errorf("fs.directory mode = %v", got)
	}
}
