package supervisor

import (
	"context"
	"strings"
	"testing"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/resources/fs"
	"github.com/bendavis78/quilt/pkg/settings"
	"github.com/bendavis78/quilt/pkg/transports/transporttest"
)

func newEnv(t *testing.T) (*resource.Env, *transporttest.Host) {
	t.Helper()
	host := transporttest.New()
	store := settings.New()
	fs.Defaults(store)
	Defaults(store)
	return resource.NewEnv(host, store), host
}

func site() resource.Site {
	return resource.Site{File: "quiltfile.star", Line: 12}
}

func TestProgramEnsure(t *testing.T) {
	ctx := context.Background()
	env, host := newEnv(t)

	p := NewProgram(env, "web", site(), resource.Attrs{
		"command":     "/srv/app/bin/gunicorn app:wsgi",
		"environment": map[string]any{"PORT": 8000, "APP_ENV": `prod "eu"`},
		"numprocs":    2,
	})
	if err := p.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	node, ok := host.Node("/etc/supervisor/conf.d/web.conf")
	if !ok {
		t.Fatal("config file not written")
	}
	if node.UID != 0 || node.Mode != 0o644 {
		t.Errorf("config file owner/mode = %d/%o", node.UID, node.Mode)
	}
	conf := string(node.Content)
	for _, want := range []string{
		"[program:web]\n",
		"command=/srv/app/bin/gunicorn app:wsgi\n",
		"user=root\n",
		`environment=APP_ENV="prod \"eu\"",PORT="8000"` + "\n",
		"numprocs=2\n",
		"process_name=%(program_name)s_%(process_num)02d\n",
		"stdout_logfile=/var/log/supervisor/web/stdout.log\n",
		"stderr_logfile=/var/log/supervisor/web/stderr.log\n",
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("config missing %q:\n%s", want, conf)
		}
	}

	dir, ok := host.Node("/var/log/supervisor/web")
	if !ok || dir.UID != 0 || dir.Mode != 0o755 {
		t.Errorf("log dir = %+v, %v", dir, ok)
	}

	host.Reset()
	if err := p.Ensure(ctx); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if m := host.Mutations(); len(m) != 0 {
		t.Errorf("second Ensure mutated: %v", m)
	}
}

func TestProgramRedirectStderr(t *testing.T) {
	env, host := newEnv(t)

	p := NewProgram(env, "worker", site(), resource.Attrs{
		"command":         "celery worker",
		"redirect_stderr": "true",
		"log_dir":         "/srv/logs",
		"conf_dir":        "/etc/supervisord.d",
	})
	if err := p.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	node, ok := host.Node("/etc/supervisord.d/worker.conf")
	if !ok {
		t.Fatal("config file not written")
	}
	conf := string(node.Content)
	if strings.Contains(conf, "stderr_logfile=") {
		t.Errorf("stderr log configured while redirected:\n%s", conf)
	}
	if !strings.Contains(conf, "stdout_logfile=/srv/logs/stdout.log\n") {
		t.Errorf("stdout log not under log_dir:\n%s", conf)
	}
	if _, ok := host.Node("/srv/logs"); !ok {
		t.Error("log_dir not created")
	}
}

func TestGroupEnsure(t *testing.T) {
	env, host := newEnv(t)

	g := NewGroup(env, "app", site(), resource.Attrs{"programs": []any{"web", "worker"}, "priority": 10})
	if err := g.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	node, ok := host.Node("/etc/supervisor/conf.d/app.conf")
	if !ok {
		t.Fatal("group file not written")
	}
	want := "; managed by quilt\n[group:app]\nprograms=web,worker\npriority=10\n"
	if string(node.Content) != want {
		t.Errorf("content = %q, want %q", node.Content, want)
	}
}

func TestCleanErrors(t *testing.T) {
	env, _ := newEnv(t)

	tests := []struct {
		name string
		res  resource.Resource
		want string
	}{
		{"program without command", NewProgram(env, "web", site(), nil), "command is required"},
		{"group without programs", NewGroup(env, "app", site(), nil), "programs is required"},
		{"group with empty programs", NewGroup(env, "empty", site(), resource.Attrs{"programs": []any{}}), "at least one program"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.res.Ensure(context.Background())
			if !resource.IsConfiguration(err) || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want configuration error containing %q", err, tt.want)
			}
		})
	}
}

func TestProgramRemoveKeepsLogs(t *testing.T) {
	ctx := context.Background()
	env, host := newEnv(t)

	p := NewProgram(env, "web", site(), resource.Attrs{"command": "true"})
	if err := p.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := p.Remove(ctx); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := host.Node("/etc/supervisor/conf.d/web.conf"); ok {
		t.Error("config file still present")
	}
	if _, ok := host.Node("/var/log/supervisor/web"); !ok {
		t.Error("log directory removed")
	}
}
