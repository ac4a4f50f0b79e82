// Package postgresql manages databases, roles and privileges through the
// psql client tools on the target.
package postgresql

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/settings"
	"github.com/bendavis78/quilt/pkg/transports"
)

// Resource types. Every type inherits run_as from the category base: when
// set, commands run through sudo as that user, otherwise as the login user.
var (
	TypeBase      = resource.Type{Category: "postgresql", Name: "base", Attributes: []string{"run_as"}}
	TypeDatabase  = TypeBase.Extend("postgresql", "database", "owner")
	TypeUser      = TypeBase.Extend("postgresql", "user", "password", "superuser", "createdb", "createrole")
	TypePrivilege = TypeBase.Extend("postgresql", "privilege", "user", "object", "with_grant_option")
)

// Defaults registers the postgresql defaults in store.
func Defaults(store *settings.Store) {
	user := store.Sub("postgresql", "user")
	user.Set("superuser", false)
	user.Set("createdb", false)
	user.Set("createrole", false)

	store.Sub("postgresql", "privilege").Set("with_grant_option", false)
}

type base struct {
	resource.Base
}

func (b *base) psql(ctx context.Context, query bool, words ...string) (transports.Result, error) {
	cmd := transports.Command(words...)
	runAs := b.Attrs().String("run_as")
	var opts []transports.ExecOption
	if runAs != "" {
		opts = append(opts, transports.AsUser(runAs))
	}
	if query {
		opts = append(opts, transports.Quiet())
	}
	return b.Exec(ctx, runAs != "", cmd, opts...)
}

func (b *base) sql(ctx context.Context, stmt string) error {
	_, err := b.psql(ctx, false, "psql", "template1", "-c", stmt+";")
	return err
}

func lines(out string) []string {
	var res []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}

// Database is a postgresql database.
type Database struct {
	base
}

// NewDatabase declares a database.
func NewDatabase(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) *Database {
	return env.Registry.Declare(TypeDatabase, name, site, attrs, func(e *resource.Entry) resource.Resource {
		return &Database{base{resource.NewBase(env, e)}}
	}).(*Database)
}

// Ensure creates the database when missing.
func (d *Database) Ensure(ctx context.Context) error {
	exists, err := d.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		d.Tracef("database %s exists", d.Name())
		return nil
	}
	owner := d.Attrs().String("owner")
	if owner == "" {
		owner = "postgres"
	}
	d.Record("create", "Creating postgresql database %s", d.Name())
	if d.DryRun() {
		d.SetShadow(true)
		return nil
	}
	_, err = d.psql(ctx, false, "createdb", "-O", owner, d.Name())
	return err
}

// Remove drops the database when present.
func (d *Database) Remove(ctx context.Context) error {
	exists, err := d.Exists(ctx)
	if err != nil || !exists {
		return err
	}
	d.Record("remove", "Dropping postgresql database %s", d.Name())
	if d.DryRun() {
		d.SetShadow(false)
		return nil
	}
	_, err = d.psql(ctx, false, "dropdb", d.Name())
	return err
}

// Exists lists databases and looks for the name.
func (d *Database) Exists(ctx context.Context) (bool, error) {
	if d.Shadow() {
		return true, nil
	}
	res, err := d.psql(ctx, true, "psql", "template1", "-ltA")
	if err != nil {
		return false, err
	}
	for _, l := range lines(res.Stdout) {
		if name, _, _ := strings.Cut(l, "|"); name == d.Name() {
			return true, nil
		}
	}
	return false, nil
}

// User is a postgresql role that can log in.
type User struct {
	base
}

// NewUser declares a user.
func NewUser(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) *User {
	return env.Registry.Declare(TypeUser, name, site, attrs, func(e *resource.Entry) resource.Resource {
		return &User{base{resource.NewBase(env, e)}}
	}).(*User)
}

// Ensure creates the role when missing and then applies its attributes.
// The attributes are applied on every run.
func (u *User) Ensure(ctx context.Context) error {
	exists, err := u.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		u.Record("create", "Creating postgresql user %s", u.Name())
		if u.DryRun() {
			u.SetShadow(true)
		} else if _, err := u.psql(ctx, false, "createuser", "--no-superuser", "--no-createdb", "--no-createrole", u.Name()); err != nil {
			return err
		}
	}

	u.Record("alter", "Ensuring postgresql user attributes for %s", u.Name())
	if u.DryRun() {
		return nil
	}
	return u.sql(ctx, u.alterStatement())
}

func (u *User) alterStatement() string {
	attrs := u.Attrs()
	var opts []string
	if pw := attrs.String("password"); pw != "" {
		opts = append(opts, "PASSWORD "+pq.QuoteLiteral(pw))
	}
	flag := func(name, keyword string) {
		if attrs.Bool(name) {
			opts = append(opts, keyword)
		} else {
			opts = append(opts, "NO"+keyword)
		}
	}
	flag("superuser", "SUPERUSER")
	flag("createdb", "CREATEDB")
	flag("createrole", "CREATEROLE")
	return fmt.Sprintf("ALTER USER %s WITH %s", pq.QuoteIdentifier(u.Name()), strings.Join(opts, " "))
}

// Remove drops the role when present.
func (u *User) Remove(ctx context.Context) error {
	exists, err := u.Exists(ctx)
	if err != nil || !exists {
		return err
	}
	u.Record("remove", "Dropping postgresql user %s", u.Name())
	if u.DryRun() {
		u.SetShadow(false)
		return nil
	}
	_, err = u.psql(ctx, false, "dropuser", u.Name())
	return err
}

// Exists looks the role up in pg_roles.
func (u *User) Exists(ctx context.Context) (bool, error) {
	if u.Shadow() {
		return true, nil
	}
	res, err := u.psql(ctx, true, "psql", "template1", "-tAc", "SELECT rolname FROM pg_catalog.pg_roles")
	if err != nil {
		return false, err
	}
	for _, l := range lines(res.Stdout) {
		if l == u.Name() {
			return true, nil
		}
	}
	return false, nil
}

// Privilege is a GRANT of the privileges named by the instance name (e.g.
// "ALL" or "SELECT, INSERT") on object to user.
//
// Privileges are never reported as present: Ensure revokes and grants again
// on every run, so it is not idempotent at the command level.
type Privilege struct {
	base
}

// NewPrivilege declares a privilege.
func NewPrivilege(env *resource.Env, name string, site resource.Site, attrs resource.Attrs) *Privilege {
	return env.Registry.Declare(TypePrivilege, name, site, attrs, func(e *resource.Entry) resource.Resource {
		return &Privilege{base{resource.NewBase(env, e)}}
	}).(*Privilege)
}

// Clean requires user and object.
func (p *Privilege) Clean() error {
	return p.Require("user", "object")
}

// Ensure revokes then grants.
func (p *Privilege) Ensure(ctx context.Context) error {
	if err := p.Clean(); err != nil {
		return err
	}
	if err := p.Remove(ctx); err != nil {
		return err
	}
	user := p.Attrs().String("user")
	stmt := fmt.Sprintf("GRANT %s ON %s TO %s", p.Name(), p.Attrs().String("object"), pq.QuoteIdentifier(user))
	if p.Attrs().Bool("with_grant_option") {
		stmt += " WITH GRANT OPTION"
	}
	p.Record("grant", "Granting postgresql privileges for %s", user)
	if p.DryRun() {
		return nil
	}
	return p.sql(ctx, stmt)
}

// Remove revokes the privileges.
func (p *Privilege) Remove(ctx context.Context) error {
	if err := p.Clean(); err != nil {
		return err
	}
	user := p.Attrs().String("user")
	p.Record("revoke", "Revoking postgresql privileges for %s", user)
	if p.DryRun() {
		return nil
	}
	return p.sql(ctx, fmt.Sprintf("REVOKE %s ON %s FROM %s", p.Name(), p.Attrs().String("object"), pq.QuoteIdentifier(user)))
}

// Exists always reports false.
func (p *Privilege) Exists(context.Context) (bool, error) {
	return false, nil
}
