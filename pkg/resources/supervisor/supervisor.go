// Package supervisor renders supervisord program and group sections into
// conf_dir/NAME.conf.
package supervisor

import (
	"context"
	"embed"
	"fmt"
	iofs "io/fs"
	"path"
	"sort"
	"strings"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/resources/fs"
	"github.com/bendavis78/quilt/pkg/settings"
)

//go:embed templates/*.conf
var bundled embed.FS

// Templates holds the bundled program.conf and group.conf.
var Templates = mustSub(bundled, "templates")

func mustSub(fsys iofs.FS, dir string) iofs.FS {
	sub, err := iofs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// Resource types. Both are files and inherit the fs.file defaults.
var (
	TypeConf    = fs.TypeFile.Extend("supervisor", "conf", "conf_dir")
	TypeProgram = TypeConf.Extend("supervisor", "program",
		"command", "log_dir", "environment", "program_user", "chdir", "umask",
		"numprocs", "priority", "autorestart", "startsecs", "retries", "exitcodes",
		"stopsignal", "stopwait", "redirect_stderr", "autostart",
		"stdout_logfile", "stdout_logfile_maxsize", "stdout_logfile_keep",
		"stderr_logfile", "stderr_logfile_maxsize", "stderr_logfile_keep")
	TypeGroup = TypeConf.Extend("supervisor", "group", "programs", "priority")
)

// Defaults registers the supervisor defaults in store.
func Defaults(store *settings.Store) {
	store.Sub("supervisor").Set("conf_dir", "/etc/supervisor/conf.d")

	store.Sub("supervisor", "program").Merge(map[string]any{
		"template":               "program.conf",
		"owner":                  "root",
		"group":                  "root",
		"program_user":           "root",
		"numprocs":               1,
		"priority":               999,
		"autorestart":            "unexpected",
		"startsecs":              1,
		"retries":                3,
		"exitcodes":              "0,2",
		"stopsignal":             "TERM",
		"stopwait":               10,
		"stdout_logfile_maxsize": "250MB",
		"stdout_logfile_keep":    10,
		"stderr_logfile_maxsize": "250MB",
		"stderr_logfile_keep":    10,
		"redirect_stderr":        "false",
		"autostart":              "false",
	})
	store.Sub("supervisor", "group").Set("template", "group.conf")
}

// conf is the shared behaviour of programs and groups.
type conf struct {
	*fs.Node
}

// setPath places the file at conf_dir/NAME.conf.
func (c conf) setPath() error {
	attrs := c.Attrs()
	if !attrs.IsSet("conf_dir") {
		if dir, ok := c.Env().Store.Sub("supervisor").Lookup("conf_dir"); ok {
			attrs["conf_dir"] = dir
		}
	}
	dir, ok := attrs["conf_dir"].(string)
	if !ok || dir == "" {
		return c.Errorf("conf_dir must be a non-empty string (got %v)", attrs["conf_dir"])
	}
	attrs["path"] = path.Join(dir, c.Name()+".conf")
	return nil
}

// Program is a [program:NAME] section.
type Program struct {
	conf
}

// NewProgram declares a program.
func NewProgram(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) *Program {
	return env.Registry.Declare(TypeProgram, name, site, attrs, func(e *resource.Entry) resource.Resource {
		return &Program{conf{fs.Wrap(env, e, fs.KindFile, fs.WithTemplates(Templates))}}
	}).(*Program)
}

// LogDir returns the directory holding the program's logs.
func (p *Program) LogDir() string {
	if dir := p.Attrs().String("log_dir"); dir != "" {
		return dir
	}
	return "/var/log/supervisor/" + p.Name()
}

// Clean requires command and fills the log file and environment settings.
func (p *Program) Clean() error {
	if err := p.Require("command"); err != nil {
		return err
	}
	if err := p.setPath(); err != nil {
		return err
	}
	attrs := p.Attrs()
	attrs["log_dir"] = p.LogDir()
	if !attrs.IsSet("stdout_logfile") {
		attrs["stdout_logfile"] = path.Join(p.LogDir(), "stdout.log")
	}
	if !attrs.IsSet("stderr_logfile") {
		attrs["stderr_logfile"] = path.Join(p.LogDir(), "stderr.log")
	}
	if env := attrs.Map("environment"); env != nil {
		attrs["environment"] = environment(env)
	}
	return p.Node.Clean()
}

// environment renders KEY="value" pairs in key order.
func environment(env map[string]any) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		v := strings.ReplaceAll(fmt.Sprint(env[k]), `"`, `\"`)
		pairs[i] = fmt.Sprintf(`%s="%s"`, k, v)
	}
	return strings.Join(pairs, ",")
}

// Ensure writes the config file and creates the log directory.
func (p *Program) Ensure(ctx context.Context) error {
	if err := p.Clean(); err != nil {
		return err
	}
	if err := p.Node.EnsureWithParents(ctx); err != nil {
		return err
	}
	attrs := p.Attrs()
	logDir := fs.NewDirectory(p.Env(), p.LogDir(), p.Sites()[0], resource.Attrs{
		"owner": attrs["owner"],
		"group": attrs["group"],
	})
	return logDir.EnsureWithParents(ctx)
}

// Remove deletes the config file. Logs are kept.
func (p *Program) Remove(ctx context.Context) error {
	if err := p.Clean(); err != nil {
		return err
	}
	return p.Node.Remove(ctx)
}

// Group is a [group:NAME] section.
type Group struct {
	conf
}

// NewGroup declares a group.
func NewGroup(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) *Group {
	return env.Registry.Declare(TypeGroup, name, site, attrs, func(e *resource.Entry) resource.Resource {
		return &Group{conf{fs.Wrap(env, e, fs.KindFile, fs.WithTemplates(Templates))}}
	}).(*Group)
}

// Clean requires programs.
func (g *Group) Clean() error {
	if err := g.Require("programs"); err != nil {
		return err
	}
	programs := g.Attrs().Strings("programs")
	if len(programs) == 0 {
		return g.Errorf("programs must list at least one program")
	}
	g.Attrs()["programs"] = programs
	if err := g.setPath(); err != nil {
		return err
	}
	return g.Node.Clean()
}

// Ensure writes the config file.
func (g *Group) Ensure(ctx context.Context) error {
	if err := g.Clean(); err != nil {
		return err
	}
	return g.Node.EnsureWithParents(ctx)
}

// Remove deletes the config file.
func (g *Group) Remove(ctx context.Context) error {
	if err := g.Clean(); err != nil {
		return err
	}
	return g.Node.Remove(ctx)
}
