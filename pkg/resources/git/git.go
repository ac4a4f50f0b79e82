// Package git manages working copies cloned from a remote repository.
package git

import (
	"context"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/resources/fs"
	"github.com/bendavis78/quilt/pkg/transports"
)

// TypeClone is a directory holding a clone of repo.
var TypeClone = fs.TypeDirectory.Extend("git", "clone", "repo")

// Clone is a working copy at path.
type Clone struct {
	*fs.Node
}

// NewClone declares a clone.
func NewClone(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) *Clone {
	return env.Registry.Declare(TypeClone, name, site, attrs, func(e *resource.Entry) resource.Resource {
		return &Clone{fs.Wrap(env, e, fs.KindDirectory)}
	}).(*Clone)
}

// Clean requires repo.
func (c *Clone) Clean() error {
	if err := c.Require("repo"); err != nil {
		return err
	}
	return c.Node.Clean()
}

// Ensure converges the directory and clones into it when it holds no
// repository yet. A non-empty directory that is not a repository is an
// error.
func (c *Clone) Ensure(ctx context.Context) error {
	if err := c.Clean(); err != nil {
		return err
	}
	if err := c.Node.Ensure(ctx); err != nil {
		return err
	}

	cloned, err := c.ExistsAt(ctx, ".git")
	if err != nil {
		return err
	}
	if cloned {
		c.Tracef("%s is already a git repository", c.Path())
		return nil
	}
	empty, err := c.IsEmpty(ctx)
	if err != nil {
		return err
	}
	if !empty {
		return c.Errorf("%s is not empty and is not a git repository", c.Path())
	}

	repo := c.Attrs().String("repo")
	c.Record("clone", "Cloning %s into %s", repo, c.Path())
	if c.DryRun() {
		return nil
	}
	return c.WithTempOwnership(ctx, fs.TempOwnership{Recursive: true}, func(ctx context.Context) error {
		_, err := c.Exec(ctx, false, transports.Command("git", "clone", repo, c.Path()))
		return err
	})
}

// Remove deletes the working copy.
func (c *Clone) Remove(ctx context.Context) error {
	return c.RemoveTree(ctx)
}
