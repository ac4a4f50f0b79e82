// Package fs converges files, directories and symlinks.
//
// The three kinds share one Node type and one convergence routine. A node
// is created when missing, type-checked when present, and then has its
// content (regular files only), ownership and mode reconciled.
package fs

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/settings"
	"github.com/bendavis78/quilt/pkg/transports"
)

// NodeKind selects the node variant.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDirectory
	KindSymlink
)

func (k NodeKind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "regular file"
	}
}

// FileType returns the on-disk type a node of this kind must have.
func (k NodeKind) FileType() transports.FileType {
	switch k {
	case KindDirectory:
		return transports.TypeDirectory
	case KindSymlink:
		return transports.TypeSymlink
	default:
		return transports.TypeRegular
	}
}

// Resource types.
var (
	TypeFile = resource.Type{
		Category:   "fs",
		Name:       "file",
		Attributes: []string{"path", "template", "content", "owner", "group", "mode", "newlines", "no_update"},
	}
	TypeDirectory = TypeFile.Extend("fs", "directory")
	TypeSymlink   = TypeFile.Extend("fs", "symlink", "target")
)

// Defaults registers the fs defaults in store.
func Defaults(store *settings.Store) {
	file := store.Sub("fs", "file")
	file.Set("owner", "root")
	file.Set("group", "root")
	file.Set("mode", 0o644)
	file.Set("newlines", "\n")

	dir := store.Sub("fs", "directory")
	dir.Set("mode", 0o755)
	dir.Set("no_update", false)
}

// Node is a file, directory or symlink on the target.
type Node struct {
	resource.Base

	kind      NodeKind
	templates iofs.FS
}

// Option configures a node at declaration.
type Option func(*Node)

// WithTemplates sets the filesystem holding the node's bundled templates.
// Env.Templates still takes precedence.
func WithTemplates(fsys iofs.FS) Option {
	return func(n *Node) {
		if n.templates == nil {
			n.templates = fsys
		}
	}
}

// NewFile declares a regular file. A path ending in "/" declares a
// directory instead.
func NewFile(env *resource.Env, name string, site resource.Site, attrs resource.Attrs, opts ...Option) *Node {
	p := name
	if s, ok := attrs["path"].(string); ok {
		p = s
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return NewDirectory(env, name, site, attrs, opts...)
	}
	return Declare(env, TypeFile, KindFile, name, site, attrs, opts...)
}

// NewDirectory declares a directory.
func NewDirectory(env *resource.Env, name string, site resource.Site, attrs resource.Attrs, opts ...Option) *Node {
	return Declare(env, TypeDirectory, KindDirectory, name, site, attrs, opts...)
}

// NewSymlink declares a symlink.
func NewSymlink(env *resource.Env, name string, site resource.Site, attrs resource.Attrs, opts ...Option) *Node {
	return Declare(env, TypeSymlink, KindSymlink, name, site, attrs, opts...)
}

// Declare registers a node of type t. Composite types use it to declare
// nodes under their own type so they pick up their own defaults.
func Declare(env *resource.Env, t resource.Type, kind NodeKind, name string, site resource.Site, attrs resource.Attrs, opts ...Option) *Node {
	r := env.Registry.Declare(t, name, site, attrs, func(e *resource.Entry) resource.Resource {
		return Wrap(env, e, kind)
	})
	n := r.(*Node)
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Kind returns the node variant.
func (n *Node) Kind() NodeKind {
	return n.kind
}

// Path returns the absolute path.
func (n *Node) Path() string {
	return n.Attrs().String("path")
}

// Clean validates path, target and mode and normalises a trailing slash.
func (n *Node) Clean() error {
	if err := n.Require("path"); err != nil {
		return err
	}
	attrs := n.Attrs()

	p, ok := attrs["path"].(string)
	if !ok {
		return n.Errorf("path must be a string (got %v)", attrs["path"])
	}
	if !path.IsAbs(p) {
		return n.Errorf("path must be absolute (got %q)", p)
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		if n.kind == KindFile {
			n.kind = KindDirectory
		}
		attrs["path"] = strings.TrimRight(p, "/")
	}

	if n.kind == KindSymlink {
		if err := n.Require("target"); err != nil {
			return err
		}
		if _, ok := attrs["target"].(string); !ok {
			return n.Errorf("target must be a string (got %v)", attrs["target"])
		}
	}

	if attrs.IsSet("mode") {
		mode, err := parseMode(attrs["mode"])
		if err != nil {
			return n.Errorf("invalid mode %v: %v", attrs["mode"], err)
		}
		attrs["mode"] = int(mode)
	}

	if attrs.IsSet("newlines") {
		if _, ok := attrs["newlines"].(string); !ok {
			return n.Errorf("newlines must be a string (got %v)", attrs["newlines"])
		}
	}
	return nil
}

func parseMode(v any) (uint32, error) {
	if s, ok := v.(string); ok {
		m, err := strconv.ParseUint(strings.TrimPrefix(s, "0o"), 8, 32)
		if err != nil {
			return 0, err
		}
		v = int(m)
	}
	m, ok := resource.Attrs{"mode": v}.Int("mode")
	if !ok {
		return 0, errors.New("not an integer")
	}
	if m < 0 || uint32(m) > transports.ModePerm {
		return 0, errors.New("out of range")
	}
	return uint32(m), nil
}

// Exists reports whether the path exists on the target, or was created in
// this dry run.
func (n *Node) Exists(ctx context.Context) (bool, error) {
	if n.Shadow() {
		return true, nil
	}
	return n.ExistsAt(ctx, "")
}

// ExistsAt reports whether sub, relative to the node's path, exists on the
// target. Dry-run shadows are not consulted.
func (n *Node) ExistsAt(ctx context.Context, sub string) (bool, error) {
	p := n.Path()
	if sub != "" {
		p = path.Join(p, sub)
	}
	ok, err := n.Host().Exists(ctx, p)
	if err != nil {
		return false, n.Fail(resource.NewRemoteOperationError("failed to check "+p, "").WithCause(err))
	}
	return ok, nil
}

// IsEmpty reports whether the directory has no entries. A missing directory
// is empty.
func (n *Node) IsEmpty(ctx context.Context) (bool, error) {
	exists, err := n.ExistsAt(ctx, "")
	if err != nil || !exists {
		return true, err
	}
	entries, err := n.Host().ReadDir(ctx, n.Path())
	if err != nil {
		return false, n.Fail(resource.NewRemoteOperationError("failed to list "+n.Path(), "").WithCause(err))
	}
	return len(entries) == 0, nil
}

// Remove deletes the node. Directories must be empty.
func (n *Node) Remove(ctx context.Context) error {
	if err := n.Clean(); err != nil {
		return err
	}
	exists, err := n.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		n.Tracef("%s is absent", n.Path())
		return nil
	}

	n.Record("remove", "Removing %s %s", n.kind, n.Path())
	if n.DryRun() {
		n.SetShadow(false)
		return nil
	}

	cmd := transports.Command("rm", "-f", n.Path())
	if n.kind == KindDirectory {
		cmd = transports.Command("rmdir", n.Path())
	}
	writable, err := n.access(ctx, path.Dir(n.Path()), transports.AccessWrite)
	if err != nil {
		return err
	}
	_, err = n.Exec(ctx, !writable, cmd)
	return err
}

// lstat returns the current node info. found is false when the path is
// missing.
func (n *Node) lstat(ctx context.Context) (transports.FileInfo, bool, error) {
	info, err := n.Host().Lstat(ctx, n.Path())
	if errors.Is(err, os.ErrNotExist) {
		return transports.FileInfo{}, false, nil
	}
	if err != nil {
		return info, false, n.Fail(resource.NewRemoteOperationError("failed to stat "+n.Path(), "").WithCause(err))
	}
	return info, true, nil
}

func (n *Node) access(ctx context.Context, p string, mode transports.AccessMode) (bool, error) {
	ok, err := n.Host().Access(ctx, p, mode)
	if err != nil {
		return false, n.Fail(resource.NewRemoteOperationError("failed to check access to "+p, "").WithCause(err))
	}
	return ok, nil
}
