package git

import (
	"context"
	"strings"
	"testing"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/resources/fs"
	"github.com/bendavis78/quilt/pkg/settings"
	"github.com/bendavis78/quilt/pkg/transports"
	"github.com/bendavis78/quilt/pkg/transports/transporttest"
)

const repo = "https://github.com/example/app.git"

func newEnv(t *testing.T, dryRun bool) (*resource.Env, *transporttest.Host, *[]transporttest.Call) {
	t.Helper()
	host := transporttest.New()
	host.AddDir("/srv", 0o755, 0, 0)

	var clones []transporttest.Call
	host.Handle("git", func(c *transporttest.Call) transports.Result {
		clones = append(clones, *c)
		dir := c.Args[len(c.Args)-1]
		if node, _ := host.Node(dir); node.UID != 1000 {
			return transports.Result{ExitCode: 128, Stderr: "fatal: could not create work tree dir"}
		}
		host.AddFile(dir+"/.git/HEAD", "ref: refs/heads/main\n", 0o644, 1000, 1000)
		c.Mutating = true
		return transports.Result{Stderr: "Cloning into '" + dir + "'..."}
	})

	store := settings.New()
	fs.Defaults(store)
	return resource.NewEnv(host, store, resource.WithDryRun(dryRun)), host, &clones
}

func site() resource.Site {
	return resource.Site{File: "quiltfile.star", Line: 9}
}

func TestEnsureClones(t *testing.T) {
	ctx := context.Background()
	env, host, clones := newEnv(t, false)

	c := NewClone(env, "/srv/app", site(), resource.Attrs{"repo": repo, "owner": "deploy", "group": "deploy"})
	if err := c.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(*clones) != 1 {
		t.Fatalf("git calls = %d, want 1", len(*clones))
	}
	if got := (*clones)[0].Args; strings.Join(got, " ") != "git clone "+repo+" /srv/app" {
		t.Errorf("git args = %q", got)
	}
	if _, ok := host.Node("/srv/app/.git/HEAD"); !ok {
		t.Error("repository not cloned")
	}

	host.Reset()
	if err := c.Ensure(ctx); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if len(*clones) != 1 {
		t.Errorf("cloned again")
	}
	if m := host.Mutations(); len(m) != 0 {
		t.Errorf("second Ensure mutated: %v", m)
	}
}

func TestEnsureTakesOwnershipForClone(t *testing.T) {
	env, host, clones := newEnv(t, false)

	c := NewClone(env, "/srv/app", site(), resource.Attrs{"repo": repo})
	if err := c.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(*clones) != 1 || (*clones)[0].Sudo {
		t.Fatalf("clone not run as the login user: %+v", *clones)
	}
	for _, p := range []string{"/srv/app", "/srv/app/.git/HEAD"} {
		if n, _ := host.Node(p); n.UID != 0 {
			t.Errorf("%s owner = %d, want root after clone", p, n.UID)
		}
	}
}

func TestEnsureNonEmptyDirectory(t *testing.T) {
	env, host, clones := newEnv(t, false)
	host.AddFile("/srv/app/index.html", "<html></html>", 0o644, 0, 0)

	err := NewClone(env, "/srv/app", site(), resource.Attrs{"repo": repo}).Ensure(context.Background())
	if !resource.IsConfiguration(err) || !strings.Contains(err.Error(), "not empty") {
		t.Fatalf("err = %v, want configuration error about a non-empty directory", err)
	}
	if len(*clones) != 0 {
		t.Error("git ran against a non-empty directory")
	}
}

func TestEnsureRequiresRepo(t *testing.T) {
	env, _, _ := newEnv(t, false)
	err := NewClone(env, "/srv/app", site(), nil).Ensure(context.Background())
	if !resource.IsConfiguration(err) || !strings.Contains(err.Error(), "repo is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestDryRun(t *testing.T) {
	env, host, clones := newEnv(t, true)

	if err := NewClone(env, "/srv/app", site(), resource.Attrs{"repo": repo}).Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(*clones) != 0 || len(host.Mutations()) != 0 {
		t.Fatalf("dry run executed commands: %v", host.Mutations())
	}
	var actions []string
	for _, c := range env.Changes() {
		actions = append(actions, c.Action)
	}
	if got := strings.Join(actions, ","); got != "create,clone" {
		t.Errorf("actions = %s, want create,clone", got)
	}
}

func TestRemove(t *testing.T) {
	env, host, _ := newEnv(t, false)
	host.AddFile("/srv/app/.git/HEAD", "", 0o644, 0, 0)

	if err := NewClone(env, "/srv/app", site(), resource.Attrs{"repo": repo}).Remove(context.Background()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := host.Node("/srv/app"); ok {
		t.Error("working copy still present")
	}
}
