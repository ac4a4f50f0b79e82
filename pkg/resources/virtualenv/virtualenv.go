// Package virtualenv creates Python virtual environments.
package virtualenv

import (
	"context"
	"fmt"
	"path"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/resources/fs"
	"github.com/bendavis78/quilt/pkg/settings"
	"github.com/bendavis78/quilt/pkg/transports"
)

// TypeVirtualEnv is a directory created by the virtualenv tool.
var TypeVirtualEnv = fs.TypeDirectory.Extend("virtualenv", "virtualenv", "python", "no_site_packages")

// Defaults registers the virtualenv defaults in store.
func Defaults(store *settings.Store) {
	store.Sub("virtualenv", "virtualenv").Set("no_site_packages", true)
}

// VirtualEnv is a virtual environment rooted at path.
type VirtualEnv struct {
	*fs.Node
}

// New declares a virtual environment.
func New(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) *VirtualEnv {
	return env.Registry.Declare(TypeVirtualEnv, name, site, attrs, func(e *resource.Entry) resource.Resource {
		return &VirtualEnv{fs.Wrap(env, e, fs.KindDirectory)}
	}).(*VirtualEnv)
}

// Command returns the virtualenv invocation. python is passed unquoted so
// it may be a command substitution.
func (v *VirtualEnv) Command() string {
	python := v.Attrs().String("python")
	if python == "" {
		python = "$(command -v python3 || command -v python)"
	}
	cmd := "virtualenv"
	if v.Attrs().Bool("no_site_packages") {
		cmd += " --no-site-packages"
	}
	return fmt.Sprintf("%s -p %s %s", cmd, python, transports.Quote(v.Path()))
}

// Ensure creates the environment when missing, replacing an empty directory
// in its place, and then converges the directory itself.
func (v *VirtualEnv) Ensure(ctx context.Context) error {
	if err := v.Clean(); err != nil {
		return err
	}
	parent := fs.NewDirectory(v.Env(), path.Dir(v.Path()), v.Sites()[0], nil)
	exists, err := parent.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		if err := parent.EnsureWithParents(ctx); err != nil {
			return err
		}
	}

	if exists, err := v.Exists(ctx); err != nil {
		return err
	} else if exists {
		empty, err := v.IsEmpty(ctx)
		if err != nil {
			return err
		}
		if empty && !v.Shadow() {
			if err := v.Node.Remove(ctx); err != nil {
				return err
			}
		}
	}

	exists, err = v.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		if err := v.create(ctx, parent); err != nil {
			return err
		}
	}
	return v.Node.Ensure(ctx)
}

func (v *VirtualEnv) create(ctx context.Context, parent *fs.Node) error {
	cmd := v.Command()
	v.Record("create", "Creating virtualenv at %s", v.Path())
	if v.DryRun() {
		v.SetShadow(true)
		return nil
	}
	return parent.WithTempOwnership(ctx, fs.TempOwnership{Recursive: true}, func(ctx context.Context) error {
		res, err := v.Query(ctx, false, cmd, transports.Quiet())
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			return v.Fail(resource.NewRemoteOperationError("virtualenv creation failed", res.Output()))
		}
		return nil
	})
}

// Remove deletes the environment.
func (v *VirtualEnv) Remove(ctx context.Context) error {
	return v.RemoveTree(ctx)
}
