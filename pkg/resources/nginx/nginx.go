// Package nginx manages nginx virtual hosts.
package nginx

import (
	"context"
	"embed"
	iofs "io/fs"
	"path"
	"strings"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/resources/fs"
	"github.com/bendavis78/quilt/pkg/settings"
)

//go:embed templates/site.conf
var bundled embed.FS

// Templates holds the bundled site.conf.
var Templates iofs.FS

func init() {
	sub, err := iofs.Sub(bundled, "templates")
	if err != nil {
		panic(err)
	}
	Templates = sub
}

// TypeSite is a site config file plus the directories and symlink that
// serve it.
var TypeSite = fs.TypeFile.Extend("nginx", "site",
	"domain", "root", "static_dirs", "internal_static_dirs", "upstreams",
	"aliases", "non_redirect_aliases", "conf_dir", "symlink_dir", "www_root")

// Defaults registers the nginx defaults in store.
func Defaults(store *settings.Store) {
	store.Sub("nginx").Merge(map[string]any{
		"conf_dir":   "/etc/nginx",
		"conf_owner": "root",
		"conf_group": "root",
		"www_root":   "/var/www",
		"www_user":   "www-data",
		"www_group":  "www-data",
	})
	store.Sub("nginx", "site").Merge(map[string]any{
		"template":             "site.conf",
		"conf_dir":             "/etc/nginx/sites-available",
		"symlink_dir":          "/etc/nginx/sites-enabled",
		"static_dirs":          []any{},
		"internal_static_dirs": []any{},
	})
}

// Site is a server block rendered to conf_dir/NAME.conf and enabled by a
// symlink in symlink_dir.
type Site struct {
	*fs.Node
}

// NewSite declares a site.
func NewSite(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) *Site {
	return env.Registry.Declare(TypeSite, name, site, attrs, func(e *resource.Entry) resource.Resource {
		return &Site{fs.Wrap(env, e, fs.KindFile, fs.WithTemplates(Templates))}
	}).(*Site)
}

func (s *Site) category(key string) string {
	v, _ := s.Env().Store.Sub("nginx").Lookup(key)
	str, _ := v.(string)
	return str
}

// Clean fills the config path, domain, www_root and document root.
func (s *Site) Clean() error {
	attrs := s.Attrs()
	if p := attrs.String("path"); p == "" || p == s.Name() {
		attrs["path"] = path.Join(attrs.String("conf_dir"), s.Name()+".conf")
	}
	if !attrs.IsSet("domain") {
		attrs["domain"] = s.Name()
	}
	if !attrs.IsSet("www_root") {
		if root := s.category("www_root"); root != "" {
			attrs["www_root"] = root
		}
	}
	if err := s.Require("www_root"); err != nil {
		return err
	}

	root := attrs.String("root")
	if root == "" {
		root = attrs.String("www_root") + "/" + s.Name()
	}
	attrs["root"] = "/" + strings.Trim(root, "/")

	for _, key := range []string{"static_dirs", "internal_static_dirs"} {
		dirs := attrs.Strings(key)
		for i, d := range dirs {
			dirs[i] = strings.Trim(d, "/")
		}
		attrs[key] = dirs
	}
	return s.Node.Clean()
}

// Parts returns the site's resources in convergence order: the nginx config
// directories, the site file, the www root, the enabled symlink, the
// document root and the static directories.
func (s *Site) Parts() (*resource.Collection, error) {
	if err := s.Clean(); err != nil {
		return nil, err
	}
	env, site, attrs := s.Env(), s.Sites()[0], s.Attrs()
	confOwner := resource.Attrs{"owner": s.category("conf_owner"), "group": s.category("conf_group")}
	wwwOwner := resource.Attrs{"owner": s.category("www_user"), "group": s.category("www_group")}

	parts := resource.NewCollection(
		fs.NewDirectory(env, s.category("conf_dir"), site, confOwner.Clone()),
		fs.NewDirectory(env, path.Dir(s.Path()), site, confOwner.Clone()),
		s.Node,
		fs.NewDirectory(env, attrs.String("www_root"), site, wwwOwner.Clone()),
	)

	if link := s.symlink(); link != nil {
		parts.Add(
			fs.NewDirectory(env, path.Dir(link.Path()), site, confOwner.Clone()),
			link,
		)
	}

	root := attrs.String("root")
	parts.Add(fs.NewDirectory(env, root, site, wwwOwner.Clone()))
	for _, key := range []string{"static_dirs", "internal_static_dirs"} {
		for _, d := range attrs.Strings(key) {
			parts.Add(fs.NewDirectory(env, root+"/"+d, site, wwwOwner.Clone()))
		}
	}
	return parts, nil
}

func (s *Site) symlink() *fs.Node {
	dir := s.Attrs().String("symlink_dir")
	if dir == "" {
		return nil
	}
	attrs := s.Attrs()
	return fs.NewSymlink(s.Env(), path.Join(dir, path.Base(s.Path())), s.Sites()[0], resource.Attrs{
		"target": s.Path(),
		"owner":  attrs["owner"],
		"group":  attrs["group"],
	})
}

// Ensure converges every part of the site.
func (s *Site) Ensure(ctx context.Context) error {
	parts, err := s.Parts()
	if err != nil {
		return err
	}
	return parts.Ensure(ctx)
}

// Remove disables the site and deletes its config file. Directories are
// kept.
func (s *Site) Remove(ctx context.Context) error {
	if err := s.Clean(); err != nil {
		return err
	}
	if link := s.symlink(); link != nil {
		if err := link.Remove(ctx); err != nil {
			return err
		}
	}
	return s.Node.Remove(ctx)
}
