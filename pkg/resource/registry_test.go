package resource

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bendavis78/quilt/pkg/settings"
)

var (
	testBase = Type{Category: "test", Name: "base", Attributes: []string{"owner", "mode"}}
	testLeaf = testBase.Extend("test", "leaf", "path")
)

type stub struct {
	Base
	ensured int
	removed int
	log     *[]string
}

func (s *stub) Ensure(context.Context) error {
	s.ensured++
	if s.log != nil {
		*s.log = append(*s.log, "ensure "+s.Name())
	}
	return nil
}

func (s *stub) Remove(context.Context) error {
	s.removed++
	if s.log != nil {
		*s.log = append(*s.log, "remove "+s.Name())
	}
	return nil
}

func (s *stub) Exists(context.Context) (bool, error) {
	return s.Shadow() || s.ensured > 0, nil
}

func declareStub(env *Env, t Type, name string, site Site, kwargs Attrs) *stub {
	r := env.Registry.Declare(t, name, site, kwargs, func(e *Entry) Resource {
		return &stub{Base: NewBase(env, e)}
	})
	return r.(*stub)
}

func TestRegistryDeduplicates(t *testing.T) {
	env := NewEnv(nil, nil)

	first := declareStub(env, testLeaf, "a", Site{File: "one.star", Line: 1}, Attrs{"owner": "root", "path": "/a"})
	second := declareStub(env, testLeaf, "a", Site{File: "two.star", Line: 7}, Attrs{"owner": "nobody", "mode": 0o600})

	if first != second {
		t.Fatal("second declaration returned a different resource")
	}
	if env.Registry.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", env.Registry.Len())
	}

	attrs := first.Attrs()
	if attrs["owner"] != "root" {
		t.Errorf("owner = %v, first declaration should win", attrs["owner"])
	}
	if attrs["mode"] != 0o600 {
		t.Errorf("mode = %v, unset attribute should be filled", attrs["mode"])
	}
	if attrs["path"] != "/a" {
		t.Errorf("path = %v", attrs["path"])
	}
	if len(first.Sites()) != 2 {
		t.Errorf("expected 2 sites, got %v", first.Sites())
	}
}

func TestRegistrySiteDedup(t *testing.T) {
	env := NewEnv(nil, nil)
	site := Site{File: "loop.star", Line: 3}

	for range 5 {
		declareStub(env, testLeaf, "a", site, nil)
	}
	e, ok := env.Registry.Lookup(testLeaf.Key("a"))
	if !ok {
		t.Fatal("entry not found")
	}
	if len(e.Sites) != 1 {
		t.Errorf("expected 1 site, got %d", len(e.Sites))
	}
}

func TestRegistryKeysAreTypeScoped(t *testing.T) {
	env := NewEnv(nil, nil)
	declareStub(env, testBase, "a", Site{}, nil)
	declareStub(env, testLeaf, "a", Site{}, nil)

	if env.Registry.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", env.Registry.Len())
	}
	entries := env.Registry.Entries()
	if entries[0].Key.String() != "test.base[a]" || entries[1].Key.String() != "test.leaf[a]" {
		t.Errorf("unexpected order: %v, %v", entries[0].Key, entries[1].Key)
	}

	env.Registry.Reset()
	if env.Registry.Len() != 0 {
		t.Errorf("expected empty registry after reset")
	}
}

func TestCascadePrecedence(t *testing.T) {
	store := settings.New()
	store.Sub("test", "base").Set("mode", 0o644)
	store.Sub("test", "base").Set("owner", "root")
	store.Sub("test", "leaf").Set("mode", 0o640)
	store.Sub("test", "leaf", "special").Set("mode", 0o600)

	tests := []struct {
		name     string
		instance string
		kwargs   Attrs
		want     int
	}{
		{name: "ancestor default", instance: "plain", kwargs: nil, want: 0o640},
		{name: "instance default", instance: "special", kwargs: nil, want: 0o600},
		{name: "explicit keyword", instance: "special", kwargs: Attrs{"mode": 0o755}, want: 0o755},
		{name: "nil keyword falls through", instance: "special", kwargs: Attrs{"mode": nil}, want: 0o600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnv(nil, store.Clone())
			r := declareStub(env, testLeaf, tt.instance, Site{}, tt.kwargs)
			got, ok := r.Attrs().Int("mode")
			if !ok || got != tt.want {
				t.Errorf("mode = %o, want %o", got, tt.want)
			}
			if r.Attrs()["owner"] != "root" {
				t.Errorf("owner = %v, want inherited root", r.Attrs()["owner"])
			}
		})
	}
}

func TestCascadeCategoryOnlyDefault(t *testing.T) {
	store := settings.New()
	store.Sub("test", "base").Set("mode", 0o644)

	env := NewEnv(nil, store)
	r := declareStub(env, testLeaf, "x", Site{}, nil)
	if got, _ := r.Attrs().Int("mode"); got != 0o644 {
		t.Errorf("mode = %o, want 644", got)
	}
}

func TestResolveKeepsExtraKwargs(t *testing.T) {
	got := Resolve([]string{"a"}, []AttributeSource{MapSource{"a": 1}}, Attrs{"a": 1, "extra": "x"})
	if got["extra"] != "x" {
		t.Errorf("extra kwarg dropped: %v", got)
	}
}

func TestRequire(t *testing.T) {
	env := NewEnv(nil, nil)
	site := Site{File: "quiltfile.star", Line: 12}
	r := declareStub(env, testLeaf, "a", site, Attrs{"owner": "root"})

	if err := r.Require("owner"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := r.Require("owner", "path")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
	msg := err.Error()
	for _, want := range []string{"path is required for resource test.leaf", "test.leaf[a]", "quiltfile.star:12"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")
	err := NewRemoteOperationError("mkdir failed", "permission denied").
		WithCause(cause).
		WithResource(Key{Category: "fs", Type: "directory", Name: "/x"}, []Site{{File: "a", Line: 1}})

	if !IsRemoteOperation(err) || IsConfiguration(err) {
		t.Errorf("wrong classification for %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not unwrapped")
	}
	if !errors.Is(err, &Error{Kind: ErrorKindRemoteOperation}) {
		t.Error("errors.Is should match on kind")
	}
	if KindOf(err) != ErrorKindRemoteOperation {
		t.Errorf("KindOf = %q", KindOf(err))
	}
	if KindOf(cause) != "" {
		t.Errorf("KindOf(plain) = %q", KindOf(cause))
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("output missing from %q", err.Error())
	}
}

func TestCollection(t *testing.T) {
	env := NewEnv(nil, nil)
	var log []string
	mk := func(name string) *stub {
		s := declareStub(env, testLeaf, name, Site{}, nil)
		s.log = &log
		return s
	}

	inner := NewCollection(mk("b"), mk("c"))
	outer := NewCollection(mk("a"))
	outer.Extend(inner)
	outer.Add(mk("d"))

	if outer.Len() != 4 {
		t.Fatalf("Len = %d, want 4", outer.Len())
	}
	if err := outer.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := outer.Remove(context.Background()); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	want := []string{"ensure a", "ensure b", "ensure c", "ensure d", "remove a", "remove b", "remove c", "remove d"}
	if strings.Join(log, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", log, want)
	}

	ok, err := outer.Exists(context.Background())
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
}

func TestCollectionStopsAtFirstError(t *testing.T) {
	env := NewEnv(nil, nil)
	a := declareStub(env, testLeaf, "a", Site{}, nil)
	b := declareStub(env, testLeaf, "b", Site{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewCollection(a, b).Ensure(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if a.ensured != 0 || b.ensured != 0 {
		t.Error("resources ensured after cancellation")
	}
}

func TestRecordChanges(t *testing.T) {
	var seen []Change
	env := NewEnv(nil, nil, WithDryRun(true), OnChange(func(c Change) { seen = append(seen, c) }))
	s := declareStub(env, testLeaf, "a", Site{}, nil)

	s.Record("create", "Creating %s", "a")

	changes := env.Changes()
	if len(changes) != 1 || len(seen) != 1 {
		t.Fatalf("expected one change, got %d/%d", len(changes), len(seen))
	}
	c := changes[0]
	if c.Action != "create" || c.Detail != "Creating a" || !c.DryRun || c.Type != "test.leaf" {
		t.Errorf("unexpected change %+v", c)
	}
}
