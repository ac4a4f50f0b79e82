package fs

import (
	"context"
	"path"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/transports"
)

// Wrap builds a node for a registry entry. Composite types call it from
// their registry build function and embed the result.
func Wrap(env *resource.Env, e *resource.Entry, kind NodeKind, opts ...Option) *Node {
	if !e.Attrs.IsSet("path") {
		e.Attrs["path"] = e.Key.Name
	}
	n := &Node{Base: resource.NewBase(env, e), kind: kind}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// RemoveTree deletes the node and everything below it.
func (n *Node) RemoveTree(ctx context.Context) error {
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

	n.Record("remove", "Removing %s and its contents", n.Path())
	if n.DryRun() {
		n.SetShadow(false)
		return nil
	}
	writable, err := n.access(ctx, path.Dir(n.Path()), transports.AccessWrite)
	if err != nil {
		return err
	}
	_, err = n.Exec(ctx, !writable, transports.Command("rm", "-rf", n.Path()))
	return err
}
