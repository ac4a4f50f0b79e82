package fs

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/transports"
)

// Ensure converges the node.
func (n *Node) Ensure(ctx context.Context) error {
	return n.ensure(ctx, false)
}

// EnsureWithParents converges the node after creating any missing ancestor
// directories. Ancestors that already exist are left untouched.
func (n *Node) EnsureWithParents(ctx context.Context) error {
	return n.ensure(ctx, true)
}

func (n *Node) ensure(ctx context.Context, parents bool) error {
	if err := n.Clean(); err != nil {
		return err
	}
	p := n.Path()

	if parents && path.Dir(p) != "/" {
		if err := n.ensureParents(ctx); err != nil {
			return err
		}
	}

	info, found, err := n.lstat(ctx)
	if err != nil {
		return err
	}

	if found {
		if info.Type != n.kind.FileType() {
			return n.Fail(resource.NewTypeMismatchError(
				fmt.Sprintf("%s should be a %s but is a %s", p, n.kind, info.Type)))
		}
		if n.kind == KindFile && !n.Attrs().Bool("no_update") {
			updated, err := n.updateContent(ctx)
			if err != nil {
				return err
			}
			if updated && !n.DryRun() {
				if info, _, err = n.lstat(ctx); err != nil {
					return err
				}
			}
		}
	} else {
		if n.Shadow() {
			n.Tracef("%s already created in this dry run", p)
			return nil
		}
		if err := n.create(ctx); err != nil {
			return err
		}
		if n.DryRun() {
			n.SetShadow(true)
			return nil
		}
		if info, found, err = n.lstat(ctx); err != nil {
			return err
		}
		if !found {
			return n.Fail(resource.NewRemoteOperationError(p+" is missing after creation", ""))
		}
	}

	changed, err := n.reconcileOwnership(ctx, info)
	if err != nil {
		return err
	}
	// chown may clear setuid and setgid, and decides who may chmod.
	if changed && !n.DryRun() {
		if info, _, err = n.lstat(ctx); err != nil {
			return err
		}
	}
	return n.reconcileMode(ctx, info)
}

func (n *Node) ensureParents(ctx context.Context) error {
	dir := path.Dir(n.Path())
	parent := NewDirectory(n.Env(), dir, n.Sites()[0], nil)
	exists, err := parent.Exists(ctx)
	if err != nil || exists {
		return err
	}
	return parent.EnsureWithParents(ctx)
}

func (n *Node) create(ctx context.Context) error {
	p := n.Path()
	attrs := n.Attrs()
	mode, hasMode := attrs.Int("mode")

	writable, err := n.access(ctx, path.Dir(p), transports.AccessWrite)
	if err != nil {
		return err
	}

	switch n.kind {
	case KindDirectory:
		if !hasMode {
			mode = 0o755
		}
		n.Record("create", "Creating directory %s with mode %04o", p, mode)
		if n.DryRun() {
			return nil
		}
		_, err := n.Exec(ctx, !writable, transports.Command("mkdir", "-m", fmt.Sprintf("%04o", mode), p))
		return err

	case KindSymlink:
		target := attrs.String("target")
		n.Record("create", "Creating symlink %s -> %s", p, target)
		if n.DryRun() {
			return nil
		}
		_, err := n.Exec(ctx, !writable, transports.Command("ln", "-s", target, p))
		return err

	default:
		if !hasMode {
			mode = 0o644
		}
		content, err := n.desired()
		if err != nil {
			return err
		}
		n.Record("create", "Creating file %s with mode %04o", p, mode)
		if n.DryRun() {
			return nil
		}
		return n.put(ctx, content, !writable, uint32(mode))
	}
}

// updateContent re-transfers the file when its content differs.
func (n *Node) updateContent(ctx context.Context) (bool, error) {
	diff, err := n.Diff(ctx)
	if err != nil {
		return false, err
	}
	if diff == "" {
		n.Tracef("%s content is up to date", n.Path())
		return false, nil
	}
	n.Record("update", "Updating file %s:\n%s", n.Path(), diff)
	if n.DryRun() {
		return true, nil
	}
	content, err := n.desired()
	if err != nil {
		return false, err
	}
	writable, err := n.access(ctx, n.Path(), transports.AccessWrite)
	if err != nil {
		return false, err
	}
	mode, ok := n.Attrs().Int("mode")
	if !ok {
		mode = 0o644
	}
	return true, n.put(ctx, content, !writable, uint32(mode))
}

func (n *Node) put(ctx context.Context, content string, useSudo bool, mode uint32) error {
	if err := n.Host().Put(ctx, strings.NewReader(content), n.Path(), useSudo, mode); err != nil {
		return n.Fail(resource.NewRemoteOperationError("failed to transfer "+n.Path(), "").WithCause(err))
	}
	return nil
}

func (n *Node) reconcileOwnership(ctx context.Context, info transports.FileInfo) (bool, error) {
	attrs := n.Attrs()
	owner, group := idOrName(attrs["owner"]), idOrName(attrs["group"])
	if owner == "" && group == "" {
		return false, nil
	}

	uid, gid := info.UID, info.GID
	var err error
	if owner != "" {
		if uid, err = n.uid(ctx, owner); err != nil {
			return false, err
		}
	}
	if group != "" {
		if gid, err = n.gid(ctx, group); err != nil {
			return false, err
		}
	}
	if uid == info.UID && gid == info.GID {
		n.Tracef("%s ownership is up to date", n.Path())
		return false, nil
	}
	return true, n.chown(ctx, info, owner, group, false)
}

func (n *Node) reconcileMode(ctx context.Context, info transports.FileInfo) error {
	if n.kind == KindSymlink {
		return nil
	}
	mode, ok := n.Attrs().Int("mode")
	if !ok {
		return nil
	}
	want := uint32(mode)
	have := info.Mode & transports.ModePerm

	// setuid and setgid are tolerated unless requested.
	cmp := have
	if want&transports.ModeSetuid == 0 {
		cmp &^= transports.ModeSetuid
	}
	if want&transports.ModeSetgid == 0 {
		cmp &^= transports.ModeSetgid
	}
	if cmp == want {
		n.Tracef("%s mode is up to date", n.Path())
		return nil
	}
	return n.chmod(ctx, info, want, false)
}
