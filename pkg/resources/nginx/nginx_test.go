package nginx

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/resources/fs"
	"github.com/bendavis78/quilt/pkg/settings"
	"github.com/bendavis78/quilt/pkg/transports"
	"github.com/bendavis78/quilt/pkg/transports/transporttest"
)

func newEnv(t *testing.T) (*resource.Env, *transporttest.Host) {
	t.Helper()
	host := transporttest.New()
	host.AddDir("/etc", 0o755, 0, 0)
	host.AddDir("/var", 0o755, 0, 0)
	store := settings.New()
	fs.Defaults(store)
	Defaults(store)
	return resource.NewEnv(host, store), host
}

func site() resource.Site {
	return resource.Site{File: "quiltfile.star", Line: 20}
}

func declare(env *resource.Env) *Site {
	return NewSite(env, "example.com", site(), resource.Attrs{
		"non_redirect_aliases": []any{"www.example.com"},
		"aliases":              []any{"example.net"},
		"static_dirs":          []any{"/static/"},
		"internal_static_dirs": []any{"media"},
		"upstreams":            map[string]any{"app": []any{"127.0.0.1:8000", "127.0.0.1:8001"}},
	})
}

func TestParts(t *testing.T) {
	env, _ := newEnv(t)

	parts, err := declare(env).Parts()
	if err != nil {
		t.Fatalf("Parts: %v", err)
	}
	var got []string
	for r := range parts.All() {
		got = append(got, r.Key().String())
	}
	want := []string{
		"fs.directory[/etc/nginx]",
		"fs.directory[/etc/nginx/sites-available]",
		"nginx.site[example.com]",
		"fs.directory[/var/www]",
		"fs.directory[/etc/nginx/sites-enabled]",
		"fs.symlink[/etc/nginx/sites-enabled/example.com.conf]",
		"fs.directory[/var/www/example.com]",
		"fs.directory[/var/www/example.com/static]",
		"fs.directory[/var/www/example.com/media]",
	}
	if !slices.Equal(got, want) {
		t.Errorf("parts =\n%q\nwant\n%q", got, want)
	}
}

func TestEnsure(t *testing.T) {
	ctx := context.Background()
	env, host := newEnv(t)
	s := declare(env)

	if err := s.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	conf, ok := host.Node("/etc/nginx/sites-available/example.com.conf")
	if !ok {
		t.Fatal("site config not written")
	}
	body := string(conf.Content)
	for _, want := range []string{
		"upstream app {\n    server 127.0.0.1:8000;\n    server 127.0.0.1:8001;\n}",
		"server_name example.com www.example.com;",
		"root /var/www/example.com;",
		"location /static/ {\n        alias /var/www/example.com/static/;",
		"location /media/ {\n        internal;",
		"proxy_pass http://app;",
		"server_name example.net;\n    return 301 $scheme://example.com$request_uri;",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("config missing %q:\n%s", want, body)
		}
	}

	link, ok := host.Node("/etc/nginx/sites-enabled/example.com.conf")
	if !ok || link.Type != transports.TypeSymlink || link.Target != "/etc/nginx/sites-available/example.com.conf" {
		t.Errorf("symlink = %+v, %v", link, ok)
	}
	for _, p := range []string{"/var/www", "/var/www/example.com", "/var/www/example.com/static"} {
		n, ok := host.Node(p)
		if !ok || n.UID != 33 || n.GID != 33 {
			t.Errorf("%s = %+v, %v; want owned by www-data", p, n, ok)
		}
	}

	host.Reset()
	if err := s.Ensure(ctx); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if m := host.Mutations(); len(m) != 0 {
		t.Errorf("second Ensure mutated: %v", m)
	}
}

func TestCleanNormalisesRoot(t *testing.T) {
	env, _ := newEnv(t)

	tests := []struct {
		name  string
		attrs resource.Attrs
		root  string
		path  string
	}{
		{"defaults", nil, "/var/www/plain", "/etc/nginx/sites-available/plain.conf"},
		{"relative root", resource.Attrs{"root": "srv/plain/"}, "/srv/plain", "/etc/nginx/sites-available/plain.conf"},
		{"explicit path", resource.Attrs{"path": "/etc/nginx/conf.d/plain.conf"}, "/var/www/plain", "/etc/nginx/conf.d/plain.conf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.Registry.Reset()
			s := NewSite(env, "plain", site(), tt.attrs)
			if err := s.Clean(); err != nil {
				t.Fatalf("Clean: %v", err)
			}
			if got := s.Attrs().String("root"); got != tt.root {
				t.Errorf("root = %q, want %q", got, tt.root)
			}
			if got := s.Path(); got != tt.path {
				t.Errorf("path = %q, want %q", got, tt.path)
			}
			if got := s.Attrs().String("domain"); got != "plain" {
				t.Errorf("domain = %q", got)
			}
		})
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	env, host := newEnv(t)
	s := declare(env)
	if err := s.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if err := s.Remove(ctx); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	for _, p := range []string{"/etc/nginx/sites-enabled/example.com.conf", "/etc/nginx/sites-available/example.com.conf"} {
		if _, ok := host.Node(p); ok {
			t.Errorf("%s still present", p)
		}
	}
	if _, ok := host.Node("/var/www/example.com"); !ok {
		t.Error("document root removed")
	}
}
