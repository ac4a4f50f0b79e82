// Package resource implements the declaration and convergence model shared
// by every resource type: the registry that deduplicates declarations, the
// attribute cascade, the Resource contract and collections of resources.
//
// # Declaring
//
// Concrete types call Registry.Declare (usually through a package-level
// constructor). The first declaration of a composite key resolves its
// attributes from, lowest precedence first:
//
//  1. the defaults of every ancestor type in Type.Lineage
//  2. the defaults of the type itself
//  3. the defaults stored under the instance name
//  4. the attributes passed to the declaration
//
// Later declarations of the same key return the same resource and may only
// fill attributes that are still unset.
//
// # Converging
//
// Ensure must be idempotent: when the target already matches, no mutating
// command is issued and only a debug trace is logged. In dry-run mode every
// mutation is replaced by a log line and creations set the dry-run shadow so
// that Exists keeps answering true for the rest of the run.
package resource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bendavis78/quilt/pkg/transports"
)

// Resource is the contract every resource type implements.
type Resource interface {
	// Key returns the composite identity.
	Key() Key

	// Clean validates and normalises attributes.
	Clean() error

	// Ensure converges the target to the declared state.
	Ensure(ctx context.Context) error

	// Remove deletes the resource if present.
	Remove(ctx context.Context) error

	// Exists reports whether the resource is present, counting dry-run
	// shadows.
	Exists(ctx context.Context) (bool, error)
}

// Base carries the registry entry and run context of a resource. Concrete
// types embed it.
type Base struct {
	env   *Env
	entry *Entry
}

// NewBase binds a registry entry to its run context.
func NewBase(env *Env, entry *Entry) Base {
	return Base{env: env, entry: entry}
}

// Key returns the composite identity.
func (b *Base) Key() Key {
	return b.entry.Key
}

// Name returns the instance name.
func (b *Base) Name() string {
	return b.entry.Key.Name
}

// Type returns the concrete type.
func (b *Base) Type() Type {
	return b.entry.Type
}

// Attrs returns the live effective state.
func (b *Base) Attrs() Attrs {
	return b.entry.Attrs
}

// Sites returns the declaration sites.
func (b *Base) Sites() []Site {
	return b.entry.Sites
}

// Env returns the run context.
func (b *Base) Env() *Env {
	return b.env
}

// Host returns the target.
func (b *Base) Host() transports.Host {
	return b.env.Host
}

// DryRun reports simulation mode.
func (b *Base) DryRun() bool {
	return b.env.DryRun
}

// Clean is the default no-op validation hook.
func (b *Base) Clean() error {
	return nil
}

// Require fails with a configuration error when any named attribute is
// unset.
func (b *Base) Require(names ...string) error {
	for _, name := range names {
		if !b.entry.Attrs.IsSet(name) {
			return b.Fail(NewConfigurationError(
				fmt.Sprintf("%s is required for resource %s", name, b.entry.Type), nil))
		}
	}
	return nil
}

// Fail attributes err to this resource and its declaration sites.
func (b *Base) Fail(err *Error) error {
	return err.WithResource(b.entry.Key, b.entry.Sites)
}

// Errorf returns an attributed configuration error.
func (b *Base) Errorf(format string, args ...any) error {
	return b.Fail(NewConfigurationError(fmt.Sprintf(format, args...), nil))
}

// Shadow reports whether a dry-run creation was simulated for this resource.
func (b *Base) Shadow() bool {
	return b.entry.shadow
}

// SetShadow marks (or clears) a simulated creation.
func (b *Base) SetShadow(v bool) {
	b.entry.shadow = v
}

// Logf logs a convergence step at info level.
func (b *Base) Logf(format string, args ...any) {
	b.env.Log.Info().
		Str("resource", b.entry.Key.String()).
		Bool("dry_run", b.env.DryRun).
		Msgf(format, args...)
}

// Tracef logs a no-op step at debug level.
func (b *Base) Tracef(format string, args ...any) {
	b.env.Log.Debug().
		Str("resource", b.entry.Key.String()).
		Msgf(format, args...)
}

// Record logs a mutating step and adds it to the run's changes. It is
// called for simulated steps too.
func (b *Base) Record(action, format string, args ...any) {
	detail := fmt.Sprintf(format, args...)
	b.Logf("%s", detail)
	b.env.record(Change{
		Resource: b.entry.Key,
		Type:     b.entry.Type.String(),
		Action:   action,
		Detail:   detail,
		DryRun:   b.env.DryRun,
		At:       time.Now(),
	})
}

// Exec runs a command as the login user or with sudo and turns a non-zero
// exit status into a RemoteOperationError.
func (b *Base) Exec(ctx context.Context, sudo bool, cmd string, opts ...transports.ExecOption) (transports.Result, error) {
	res, err := b.Query(ctx, sudo, cmd, opts...)
	if err != nil {
		return res, err
	}
	if !res.Succeeded() {
		return res, b.Fail(NewRemoteOperationError(
			fmt.Sprintf("command %q exited with status %d", cmd, res.ExitCode), res.Output()))
	}
	return res, nil
}

// Query runs a command whose exit status is an answer rather than a
// failure, such as an existence probe. Transport failures are returned
// attributed to the resource.
func (b *Base) Query(ctx context.Context, sudo bool, cmd string, opts ...transports.ExecOption) (transports.Result, error) {
	run := b.env.Host.Run
	if sudo {
		run = b.env.Host.Sudo
	}
	res, err := run(ctx, cmd, opts...)
	if err != nil {
		return res, b.Fail(&Error{
			Kind:    ErrorKindRemoteOperation,
			Message: fmt.Sprintf("failed to run %q", firstLine(cmd)),
			Err:     err,
		})
	}
	return res, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
