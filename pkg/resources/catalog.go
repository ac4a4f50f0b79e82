// Package resources is the catalog of every built-in resource type.
package resources

import (
	"sort"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/resources/fs"
	"github.com/bendavis78/quilt/pkg/resources/git"
	"github.com/bendavis78/quilt/pkg/resources/nginx"
	"github.com/bendavis78/quilt/pkg/resources/postgresql"
	"github.com/bendavis78/quilt/pkg/resources/rabbitmq"
	"github.com/bendavis78/quilt/pkg/resources/supervisor"
	"github.com/bendavis78/quilt/pkg/resources/virtualenv"
	"github.com/bendavis78/quilt/pkg/settings"
)

// Constructor declares an instance of a type in env.
type Constructor func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource

// Kind is a catalog entry.
type Kind struct {
	// Type is the resource type.
	Type resource.Type

	// Builtin is the manifest function name.
	Builtin string

	// New declares an instance.
	New Constructor
}

var catalog = []Kind{
	{fs.TypeFile, "file", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return fs.NewFile(env, name, site, attrs)
	}},
	{fs.TypeDirectory, "directory", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return fs.NewDirectory(env, name, site, attrs)
	}},
	{fs.TypeSymlink, "symlink", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return fs.NewSymlink(env, name, site, attrs)
	}},
	{postgresql.TypeDatabase, "postgresql_database", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return postgresql.NewDatabase(env, name, site, attrs)
	}},
	{postgresql.TypeUser, "postgresql_user", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return postgresql.NewUser(env, name, site, attrs)
	}},
	{postgresql.TypePrivilege, "postgresql_privilege", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return postgresql.NewPrivilege(env, name, site, attrs)
	}},
	{rabbitmq.TypeUser, "rabbitmq_user", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return rabbitmq.NewUser(env, name, site, attrs)
	}},
	{rabbitmq.TypeVhost, "rabbitmq_vhost", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return rabbitmq.NewVhost(env, name, site, attrs)
	}},
	{rabbitmq.TypeUserPermission, "rabbitmq_userpermission", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return rabbitmq.NewUserPermission(env, name, site, attrs)
	}},
	{supervisor.TypeProgram, "supervisor_program", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return supervisor.NewProgram(env, name, site, attrs)
	}},
	{supervisor.TypeGroup, "supervisor_group", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return supervisor.NewGroup(env, name, site, attrs)
	}},
	{nginx.TypeSite, "nginx_site", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return nginx.NewSite(env, name, site, attrs)
	}},
	{virtualenv.TypeVirtualEnv, "virtualenv", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return virtualenv.New(env, name, site, attrs)
	}},
	{git.TypeClone, "git_clone", func(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) resource.Resource {
		return git.NewClone(env, name, site, attrs)
	}},
}

// All returns every kind sorted by type.
func All() []Kind {
	out := append([]Kind(nil), catalog...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Type.String() < out[j].Type.String()
	})
	return out
}

// Lookup finds a kind by builtin name or by category.type.
func Lookup(name string) (Kind, bool) {
	for _, k := range catalog {
		if k.Builtin == name || k.Type.String() == name {
			return k, true
		}
	}
	return Kind{}, false
}

// Defaults registers the defaults of every category in store.
func Defaults(store *settings.Store) {
	fs.Defaults(store)
	postgresql.Defaults(store)
	rabbitmq.Defaults(store)
	supervisor.Defaults(store)
	nginx.Defaults(store)
	virtualenv.Defaults(store)
}

// NewStore returns a store holding the built-in defaults.
func NewStore() *settings.Store {
	store := settings.New()
	Defaults(store)
	return store
}
