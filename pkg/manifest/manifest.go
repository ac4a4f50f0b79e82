// Package manifest evaluates quiltfiles: Starlark scripts whose builtins
// declare resources into an Env.
//
// Every catalog type has a builtin named after it (file, directory,
// postgresql_user, ...) taking the instance name as its only positional
// argument and attributes as keywords:
//
//	directory("/srv/app", owner="deploy")
//	file("/srv/app/app.conf", template="app.conf", mode=0o640)
//
// The location of each call becomes a declaration site of the resource.
// Resources are collected in first-declaration order. Other predeclared
// names:
//
//	defaults(category, type="", name="", **attrs)  write the settings store
//	setting(*path)                                  read the settings store
//	env                                             struct(dry_run, target, user)
//
// load() resolves paths relative to the loading file.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/resources"
	"github.com/bendavis78/quilt/pkg/settings"
)

// DefaultTimeout bounds an evaluation when none is given.
const DefaultTimeout = 30 * time.Second

// fileOptions allows top-level loops and conditionals in quiltfiles.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// Evaluator executes quiltfiles.
type Evaluator struct {
	timeout time.Duration
	log     zerolog.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(timeout time.Duration, log zerolog.Logger) *Evaluator {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout, log: log}
}

// Result is the outcome of an evaluation.
type Result struct {
	// Collection holds the declared resources in declaration order.
	Collection *resource.Collection

	// Files lists the manifest and every module it loaded.
	Files []string

	// Duration is the evaluation time.
	Duration time.Duration
}

// EvalFile evaluates the quiltfile at path into env.
func (e *Evaluator) EvalFile(ctx context.Context, env *resource.Env, path string) (*Result, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, resource.NewConfigurationError("failed to read manifest "+path, err)
	}
	return e.Eval(ctx, env, path, src)
}

// Eval evaluates src, attributed to filename, into env.
func (e *Evaluator) Eval(ctx context.Context, env *resource.Env, filename string, src []byte) (*Result, error) {
	start := time.Now()
	ev := &evaluation{
		env:     env,
		log:     e.log.With().Str("manifest", filename).Logger(),
		coll:    resource.NewCollection(),
		modules: make(map[string]*module),
	}
	ev.predeclared = ev.builtins()

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	thread := ev.thread(filename)
	done := make(chan error, 1)
	go func() {
		_, err := starlark.ExecFileOptions(fileOptions, thread, filename, src, ev.predeclared)
		done <- err
	}()

	var err error
	select {
	case <-evalCtx.Done():
		ev.cancel(evalCtx.Err().Error())
		<-done
		if errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return nil, resource.NewConfigurationError(
				fmt.Sprintf("manifest %s: execution timeout after %v", filename, e.timeout), evalCtx.Err())
		}
		return nil, evalCtx.Err()
	case err = <-done:
	}
	if err != nil {
		return nil, evalError(err)
	}

	files := append([]string{filename}, ev.order...)
	ev.log.Debug().
		Int("resources", ev.coll.Len()).
		Dur("duration", time.Since(start)).
		Msg("Manifest evaluated")
	return &Result{Collection: ev.coll, Files: files, Duration: time.Since(start)}, nil
}

// evaluation is the state of one Eval call.
type evaluation struct {
	env         *resource.Env
	log         zerolog.Logger
	coll        *resource.Collection
	predeclared starlark.StringDict
	modules     map[string]*module
	order       []string

	mu       sync.Mutex
	threads  []*starlark.Thread
	canceled string
}

type module struct {
	globals starlark.StringDict
	err     error
}

func (ev *evaluation) thread(name string) *starlark.Thread {
	t := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			ev.log.Info().Msg(msg)
		},
		Load: ev.load,
	}
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.canceled != "" {
		t.Cancel(ev.canceled)
	}
	ev.threads = append(ev.threads, t)
	return t
}

// cancel stops the manifest thread and every module thread.
func (ev *evaluation) cancel(reason string) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.canceled = reason
	for _, t := range ev.threads {
		t.Cancel(reason)
	}
}

// load executes a module once and caches its globals. Relative names
// resolve against the directory of the loading file, which names its
// thread. A nil entry marks a module being loaded, so cycles are reported.
func (ev *evaluation) load(thread *starlark.Thread, name string) (starlark.StringDict, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(thread.Name), name)
	}
	m, ok := ev.modules[path]
	if ok {
		if m == nil {
			return nil, fmt.Errorf("cycle in load graph at %s", name)
		}
		return m.globals, m.err
	}

	ev.modules[path] = nil
	src, err := os.ReadFile(path)
	if err != nil {
		delete(ev.modules, path)
		return nil, err
	}
	globals, err := starlark.ExecFileOptions(fileOptions, ev.thread(path), path, src, ev.predeclared)
	ev.modules[path] = &module{globals: globals, err: err}
	ev.order = append(ev.order, path)
	return globals, err
}

func (ev *evaluation) builtins() starlark.StringDict {
	predeclared := starlark.StringDict{
		"struct":   starlark.NewBuiltin("struct", starlarkstruct.Make),
		"defaults": starlark.NewBuiltin("defaults", ev.defaults),
		"setting":  starlark.NewBuiltin("setting", ev.setting),
		"env": starlarkstruct.FromStringDict(starlark.String("env"), starlark.StringDict{
			"dry_run": starlark.Bool(ev.env.DryRun),
			"target":  starlark.String(ev.env.Host.Name()),
			"user":    starlark.String(ev.env.Host.User()),
		}),
	}
	for _, kind := range resources.All() {
		predeclared[kind.Builtin] = starlark.NewBuiltin(kind.Builtin, ev.declare(kind))
	}
	return predeclared
}

// declare returns the builtin for kind.
func (ev *evaluation) declare(kind resources.Kind) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &name); err != nil {
			return nil, err
		}
		if name == "" {
			return nil, fmt.Errorf("%s: name must not be empty", b.Name())
		}
		attrs, err := kwargsToMap(b.Name(), kwargs)
		if err != nil {
			return nil, err
		}

		_, seen := ev.env.Registry.Lookup(kind.Type.Key(name))
		res := kind.New(ev.env, name, callerSite(thread), attrs)
		if !seen && !ev.contains(res) {
			ev.coll.Add(res)
		}

		key := res.Key()
		typ := starlark.String(key.Category + "." + key.Type)
		return starlarkstruct.FromStringDict(typ, starlark.StringDict{
			"key":  starlark.String(key.String()),
			"name": starlark.String(key.Name),
			"type": typ,
		}), nil
	}
}

// contains reports whether res is already collected. A constructor may
// redirect to another type (file("/x/") declares a directory) whose key
// was declared under the other builtin.
func (ev *evaluation) contains(res resource.Resource) bool {
	for r := range ev.coll.All() {
		if r.Key() == res.Key() {
			return true
		}
	}
	return false
}

func (ev *evaluation) defaults(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var category, typ, name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &category, &typ, &name); err != nil {
		return nil, err
	}
	if name != "" && typ == "" {
		return nil, fmt.Errorf("%s: name requires a type", b.Name())
	}
	attrs, err := kwargsToMap(b.Name(), kwargs)
	if err != nil {
		return nil, err
	}
	path := []string{category}
	for _, p := range []string{typ, name} {
		if p != "" {
			path = append(path, p)
		}
	}
	ev.env.Store.Sub(path...).Merge(attrs)
	return starlark.None, nil
}

func (ev *evaluation) setting(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	path := make([]string, len(args))
	for i, a := range args {
		s, ok := starlark.AsString(a)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d must be a string, got %s", b.Name(), i+1, a.Type())
		}
		path[i] = s
	}
	v := ev.env.Store.Get(path...)
	if sub, ok := v.(*settings.Store); ok {
		v = sub.ToMap()
	}
	return toStarlarkValue(v)
}

// callerSite is the position of the Starlark call to the running builtin.
func callerSite(thread *starlark.Thread) resource.Site {
	if thread.CallStackDepth() < 2 {
		return resource.Site{}
	}
	pos := thread.CallFrame(1).Pos
	return resource.Site{File: pos.Filename(), Line: int(pos.Line)}
}

// evalError converts a Starlark failure to a configuration error located
// at the innermost script frame.
func evalError(err error) error {
	var rerr *resource.Error
	if errors.As(err, &rerr) {
		return rerr
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		cerr := resource.NewConfigurationError(evalErr.Msg, evalErr.Unwrap())
		for i := len(evalErr.CallStack) - 1; i >= 0; i-- {
			pos := evalErr.CallStack[i].Pos
			if pos.Line > 0 && pos.Filename() != "<builtin>" {
				cerr.Sites = []resource.Site{{File: pos.Filename(), Line: int(pos.Line)}}
				break
			}
		}
		return cerr
	}

	var synErr syntax.Error
	if errors.As(err, &synErr) {
		cerr := resource.NewConfigurationError(synErr.Msg, nil)
		cerr.Sites = []resource.Site{{File: synErr.Pos.Filename(), Line: int(synErr.Pos.Line)}}
		return cerr
	}
	var resolveErrs resolve.ErrorList
	if errors.As(err, &resolveErrs) && len(resolveErrs) > 0 {
		first := resolveErrs[0]
		cerr := resource.NewConfigurationError(first.Msg, err)
		cerr.Sites = []resource.Site{{File: first.Pos.Filename(), Line: int(first.Pos.Line)}}
		return cerr
	}
	return resource.NewConfigurationError("manifest evaluation failed", err)
}
