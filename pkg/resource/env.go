package resource

import (
	"io/fs"
	"time"

	"github.com/rs/zerolog"

	"github.com/bendavis78/quilt/pkg/settings"
	"github.com/bendavis78/quilt/pkg/transports"
)

// Env is the convergence context of one run against one target. It owns
// the registry and defaults store so separate targets never share mutable
// state.
type Env struct {
	// Host is the target the run converges.
	Host transports.Host

	// Store holds the layered defaults.
	Store *settings.Store

	// Registry deduplicates declarations.
	Registry *Registry

	// DryRun replaces every mutating step with a log line.
	DryRun bool

	// Log is the run logger.
	Log zerolog.Logger

	// Templates overrides the templates bundled with resource types.
	Templates fs.FS

	changes []Change
	hooks   []func(Change)
}

// Change is one mutating step, performed or (in dry-run) simulated.
type Change struct {
	Resource Key       `json:"resource"`
	Type     string    `json:"type"`
	Action   string    `json:"action"`
	Detail   string    `json:"detail"`
	DryRun   bool      `json:"dry_run"`
	At       time.Time `json:"at"`
}

// EnvOption configures an Env.
type EnvOption func(*Env)

// WithDryRun enables simulation mode.
func WithDryRun(dryRun bool) EnvOption {
	return func(e *Env) {
		e.DryRun = dryRun
	}
}

// WithLogger sets the run logger.
func WithLogger(log zerolog.Logger) EnvOption {
	return func(e *Env) {
		e.Log = log
	}
}

// WithTemplates sets the template override filesystem.
func WithTemplates(fsys fs.FS) EnvOption {
	return func(e *Env) {
		e.Templates = fsys
	}
}

// OnChange registers a callback invoked for every recorded change.
func OnChange(fn func(Change)) EnvOption {
	return func(e *Env) {
		e.hooks = append(e.hooks, fn)
	}
}

// NewEnv creates the context for one run against host. store is used as
// is; clone shared defaults before passing them in.
func NewEnv(host transports.Host, store *settings.Store, opts ...EnvOption) *Env {
	if store == nil {
		store = settings.New()
	}
	e := &Env{
		Host:     host,
		Store:    store,
		Registry: NewRegistry(store),
		Log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if host != nil {
		e.Log = e.Log.With().Str("target", host.Name()).Logger()
	}
	return e
}

// Changes returns the changes recorded so far.
func (e *Env) Changes() []Change {
	return append([]Change(nil), e.changes...)
}

func (e *Env) record(c Change) {
	e.changes = append(e.changes, c)
	for _, fn := range e.hooks {
		fn(c)
	}
}
