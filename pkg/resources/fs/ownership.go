package fs

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/transports"
)

// Chown sets ownership of the node. An empty owner or group is left alone.
func (n *Node) Chown(ctx context.Context, owner, group string, recursive bool) error {
	info, found, err := n.lstat(ctx)
	if err != nil {
		return err
	}
	if !found && !n.DryRun() {
		return n.Errorf("cannot change ownership of missing %s", n.Path())
	}
	return n.chown(ctx, info, owner, group, recursive)
}

// Chmod sets the permission bits of the node.
func (n *Node) Chmod(ctx context.Context, mode uint32, recursive bool) error {
	info, found, err := n.lstat(ctx)
	if err != nil {
		return err
	}
	if !found && !n.DryRun() {
		return n.Errorf("cannot change mode of missing %s", n.Path())
	}
	return n.chmod(ctx, info, mode, recursive)
}

// chown changes the owner through sudo, or only the group, unprivileged
// when the login user owns the node.
func (n *Node) chown(ctx context.Context, info transports.FileInfo, owner, group string, recursive bool) error {
	if owner == "" && group == "" {
		return nil
	}
	spec := owner
	if group != "" {
		spec = owner + ":" + group
	}
	prefix := ""
	if recursive {
		prefix = "recursive "
	}

	ownerChanged := false
	if owner != "" {
		uid, err := n.uid(ctx, owner)
		if err != nil {
			return err
		}
		ownerChanged = uid != info.UID
	}
	if !ownerChanged && group == "" {
		n.Tracef("%s is already owned by %s", n.Path(), owner)
		return nil
	}

	n.Record("chown", "Setting %sownership to %s on %s", prefix, spec, n.Path())
	if n.DryRun() {
		return nil
	}

	words := []string{"chown"}
	if !ownerChanged {
		words = []string{"chgrp"}
		spec = group
	}
	if n.kind == KindSymlink {
		words = append(words, "-h")
	}
	if recursive {
		words = append(words, "-R")
	}
	words = append(words, spec, n.Path())

	sudo := true
	if !ownerChanged {
		self, err := n.getuid(ctx)
		if err != nil {
			return err
		}
		sudo = self != info.UID
	}
	_, err := n.Exec(ctx, sudo, transports.Command(words...))
	return err
}

func (n *Node) chmod(ctx context.Context, info transports.FileInfo, mode uint32, recursive bool) error {
	n.Record("chmod", "Changing permissions on %s from %04o to %04o", n.Path(), info.Mode&transports.ModePerm, mode)
	if n.DryRun() {
		return nil
	}
	words := []string{"chmod"}
	if recursive {
		words = append(words, "-R")
	}
	words = append(words, fmt.Sprintf("%04o", mode), n.Path())

	self, err := n.getuid(ctx)
	if err != nil {
		return err
	}
	_, err = n.Exec(ctx, self != info.UID, transports.Command(words...))
	return err
}

// TempOwnership configures WithTempOwnership.
type TempOwnership struct {
	// Access is the access the login user needs; write when zero.
	Access transports.AccessMode

	// Recursive changes ownership of the whole tree.
	Recursive bool

	// Force changes ownership even when access is already granted.
	Force bool
}

// WithTempOwnership hands the node to the login user while fn runs when the
// login user lacks the requested access, then restores the declared owner
// (or the previous one when none is declared). Ownership is restored on
// every exit path, including panics.
func (n *Node) WithTempOwnership(ctx context.Context, opts TempOwnership, fn func(context.Context) error) (err error) {
	if opts.Access == 0 {
		opts.Access = transports.AccessWrite
	}
	need := opts.Force
	if !need {
		ok, err := n.access(ctx, n.Path(), opts.Access)
		if err != nil {
			return err
		}
		need = !ok
	}
	if !need {
		return fn(ctx)
	}

	info, _, err := n.lstat(ctx)
	if err != nil {
		return err
	}
	if !opts.Force {
		n.Logf("%s lacks access to %s, temporarily changing owners", n.Host().User(), n.Path())
	}
	if err := n.chown(ctx, info, n.Host().User(), "", opts.Recursive); err != nil {
		return err
	}

	owner := idOrName(n.Attrs()["owner"])
	if owner == "" {
		owner = strconv.Itoa(info.UID)
	}
	restore := func() error {
		current, _, err := n.lstat(context.WithoutCancel(ctx))
		if err != nil {
			return err
		}
		return n.chown(context.WithoutCancel(ctx), current, owner, "", opts.Recursive)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = restore()
			panic(r)
		}
		if rerr := restore(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(ctx)
}

func (n *Node) uid(ctx context.Context, owner string) (int, error) {
	id, err := n.Host().LookupUser(ctx, owner)
	if err != nil {
		if errors.Is(err, transports.ErrUnknownUser) {
			return 0, n.Fail(resource.NewLookupError(fmt.Sprintf("user %q not found", owner), err))
		}
		return 0, n.Fail(resource.NewRemoteOperationError("failed to look up user "+owner, "").WithCause(err))
	}
	return id, nil
}

func (n *Node) gid(ctx context.Context, group string) (int, error) {
	id, err := n.Host().LookupGroup(ctx, group)
	if err != nil {
		if errors.Is(err, transports.ErrUnknownGroup) {
			return 0, n.Fail(resource.NewLookupError(fmt.Sprintf("group %q not found", group), err))
		}
		return 0, n.Fail(resource.NewRemoteOperationError("failed to look up group "+group, "").WithCause(err))
	}
	return id, nil
}

func (n *Node) getuid(ctx context.Context) (int, error) {
	id, err := n.Host().Getuid(ctx)
	if err != nil {
		return 0, n.Fail(resource.NewRemoteOperationError("failed to get login uid", "").WithCause(err))
	}
	return id, nil
}

// idOrName renders an owner or group attribute, which may be a name or a
// numeric id.
func idOrName(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		if id, ok := (resource.Attrs{"id": v}).Int("id"); ok {
			return strconv.Itoa(id)
		}
		return fmt.Sprint(v)
	}
}
