// Package rabbitmq manages broker users, vhosts and permissions with
// rabbitmqctl. Every command runs through sudo.
package rabbitmq

import (
	"context"
	"strings"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/settings"
	"github.com/bendavis78/quilt/pkg/transports"
)

// Resource types.
var (
	TypeUser           = resource.Type{Category: "rabbitmq", Name: "user", Attributes: []string{"password"}}
	TypeVhost          = resource.Type{Category: "rabbitmq", Name: "vhost"}
	TypeUserPermission = resource.Type{Category: "rabbitmq", Name: "userpermission", Attributes: []string{"user", "vhost", "configure", "read", "write"}}
)

// Defaults registers the rabbitmq defaults in store.
func Defaults(store *settings.Store) {
	perm := store.Sub("rabbitmq", "userpermission")
	perm.Set("configure", ".*")
	perm.Set("read", ".*")
	perm.Set("write", ".*")
}

type base struct {
	resource.Base
}

func (b *base) ctl(ctx context.Context, args ...string) (transports.Result, error) {
	return b.Exec(ctx, true, transports.Command(append([]string{"rabbitmqctl"}, args...)...))
}

// listed runs a rabbitmqctl list command and reports whether name is in the
// first column.
func (b *base) listed(ctx context.Context, list, name string) (bool, error) {
	res, err := b.Exec(ctx, true, transports.Command("rabbitmqctl", "-q", list), transports.Quiet())
	if err != nil {
		return false, err
	}
	for _, l := range strings.Split(res.Stdout, "\n") {
		if first, _, _ := strings.Cut(strings.TrimSpace(l), "\t"); first == name {
			return true, nil
		}
	}
	return false, nil
}

// User is a broker user.
type User struct {
	base
}

// NewUser declares a user.
func NewUser(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) *User {
	return env.Registry.Declare(TypeUser, name, site, attrs, func(e *resource.Entry) resource.Resource {
		return &User{base{resource.NewBase(env, e)}}
	}).(*User)
}

// Clean requires a password.
func (u *User) Clean() error {
	return u.Require("password")
}

// Ensure adds the user, or resets its password when it exists.
func (u *User) Ensure(ctx context.Context) error {
	if err := u.Clean(); err != nil {
		return err
	}
	exists, err := u.Exists(ctx)
	if err != nil {
		return err
	}
	password := u.Attrs().String("password")
	if !exists {
		u.Record("create", "Adding rabbitmq user %s", u.Name())
		if u.DryRun() {
			u.SetShadow(true)
			return nil
		}
		_, err = u.ctl(ctx, "add_user", u.Name(), password)
		return err
	}
	u.Record("update", "Ensuring password for rabbitmq user %s", u.Name())
	if u.DryRun() {
		return nil
	}
	_, err = u.ctl(ctx, "change_password", u.Name(), password)
	return err
}

// Remove deletes the user when present.
func (u *User) Remove(ctx context.Context) error {
	exists, err := u.Exists(ctx)
	if err != nil || !exists {
		return err
	}
	u.Record("remove", "Removing rabbitmq user %s", u.Name())
	if u.DryRun() {
		u.SetShadow(false)
		return nil
	}
	_, err = u.ctl(ctx, "delete_user", u.Name())
	return err
}

// Exists checks list_users.
func (u *User) Exists(ctx context.Context) (bool, error) {
	if u.Shadow() {
		return true, nil
	}
	return u.listed(ctx, "list_users", u.Name())
}

// Vhost is a broker virtual host.
type Vhost struct {
	base
}

// NewVhost declares a vhost.
func NewVhost(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) *Vhost {
	return env.Registry.Declare(TypeVhost, name, site, attrs, func(e *resource.Entry) resource.Resource {
		return &Vhost{base{resource.NewBase(env, e)}}
	}).(*Vhost)
}

// Ensure adds the vhost when missing.
func (v *Vhost) Ensure(ctx context.Context) error {
	exists, err := v.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		v.Tracef("vhost %s exists", v.Name())
		return nil
	}
	v.Record("create", "Adding rabbitmq vhost %s", v.Name())
	if v.DryRun() {
		v.SetShadow(true)
		return nil
	}
	_, err = v.ctl(ctx, "add_vhost", v.Name())
	return err
}

// Remove deletes the vhost when present.
func (v *Vhost) Remove(ctx context.Context) error {
	exists, err := v.Exists(ctx)
	if err != nil || !exists {
		return err
	}
	v.Record("remove", "Removing rabbitmq vhost %s", v.Name())
	if v.DryRun() {
		v.SetShadow(false)
		return nil
	}
	_, err = v.ctl(ctx, "delete_vhost", v.Name())
	return err
}

// Exists checks list_vhosts.
func (v *Vhost) Exists(ctx context.Context) (bool, error) {
	if v.Shadow() {
		return true, nil
	}
	return v.listed(ctx, "list_vhosts", v.Name())
}

// UserPermission sets a user's configure/read/write patterns on a vhost.
// It is applied on every run.
type UserPermission struct {
	base
}

// NewUserPermission declares a permission set.
func NewUserPermission(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) *UserPermission {
	return env.Registry.Declare(TypeUserPermission, name, site, attrs, func(e *resource.Entry) resource.Resource {
		return &UserPermission{base{resource.NewBase(env, e)}}
	}).(*UserPermission)
}

// Clean requires user and vhost.
func (p *UserPermission) Clean() error {
	return p.Require("user", "vhost")
}

// Ensure sets the permissions.
func (p *UserPermission) Ensure(ctx context.Context) error {
	if err := p.Clean(); err != nil {
		return err
	}
	a := p.Attrs()
	p.Record("update", "Ensuring rabbitmq permissions for %s@%s", a.String("user"), a.String("vhost"))
	if p.DryRun() {
		return nil
	}
	_, err := p.ctl(ctx, "set_permissions", "-p", a.String("vhost"), a.String("user"),
		a.String("configure"), a.String("read"), a.String("write"))
	return err
}

// Remove clears the permissions.
func (p *UserPermission) Remove(ctx context.Context) error {
	if err := p.Clean(); err != nil {
		return err
	}
	a := p.Attrs()
	p.Record("remove", "Clearing rabbitmq permissions for %s@%s", a.String("user"), a.String("vhost"))
	if p.DryRun() {
		return nil
	}
	_, err := p.ctl(ctx, "clear_permissions", "-p", a.String("vhost"), a.String("user"))
	return err
}

// Exists always reports false.
func (p *UserPermission) Exists(context.Context) (bool, error) {
	return false, nil
}
