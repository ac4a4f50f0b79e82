// Package transporttest provides an in-memory transports.Host for tests.
//
// The fake keeps a tiny filesystem and account database, interprets the
// shell commands the resource types issue (mkdir, ln, chown, chgrp, chmod,
// rm, rmdir, cat, test) and records every call. Permission checks follow
// the usual owner/group/other rules so that privilege escalation decisions
// are observable: a mutating Run without the needed access exits 1, the
// same command through Sudo succeeds.
package transporttest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bendavis78/quilt/pkg/transports"
)

// Node is a filesystem entry of the fake.
type Node struct {
	Type    transports.FileType
	Mode    uint32
	UID     int
	GID     int
	Content []byte
	Target  string
}

// Call is one recorded command or transfer.
type Call struct {
	// Command is the command line as received.
	Command string

	// Args is the command split into words.
	Args []string

	// Sudo is set for privileged calls.
	Sudo bool

	// User is the sudo target user, if any.
	User string

	// Mutating is set for calls that changed state.
	Mutating bool
}

// Program returns the first word of the command.
func (c Call) Program() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

func (c Call) String() string {
	if c.Sudo {
		return "sudo " + c.Command
	}
	return c.Command
}

// Handler answers commands for a program the fake does not know. Handlers
// set Mutating on the call when the command changed state. They run without
// the host lock held and may add nodes to the host.
type Handler func(c *Call) transports.Result

// Host is the fake target.
type Host struct {
	mu sync.Mutex

	name string
	user string
	uid  int
	gid  int

	users  map[string]int
	groups map[string]int
	nodes  map[string]*Node

	calls    []Call
	handlers map[string]Handler
}

// New creates a host logged in as deploy (uid 1000, gid 1000) with a
// root-owned / and /tmp.
func New() *Host {
	h := &Host{
		name: "fake",
		user: "deploy",
		uid:  1000,
		gid:  1000,
		users: map[string]int{
			"root":     0,
			"www-data": 33,
			"postgres": 105,
			"deploy":   1000,
		},
		groups: map[string]int{
			"root":     0,
			"www-data": 33,
			"postgres": 105,
			"deploy":   1000,
		},
		nodes:    make(map[string]*Node),
		handlers: make(map[string]Handler),
	}
	h.nodes["/"] = &Node{Type: transports.TypeDirectory, Mode: 0o755}
	h.nodes["/tmp"] = &Node{Type: transports.TypeDirectory, Mode: 0o1777}
	return h
}

// AddDir adds a directory, creating missing parents owned by root.
func (h *Host) AddDir(p string, mode uint32, uid, gid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkparents(p)
	h.nodes[path.Clean(p)] = &Node{Type: transports.TypeDirectory, Mode: mode, UID: uid, GID: gid}
}

// AddFile adds a regular file, creating missing parents owned by root.
func (h *Host) AddFile(p, content string, mode uint32, uid, gid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkparents(p)
	h.nodes[path.Clean(p)] = &Node{Type: transports.TypeRegular, Mode: mode, UID: uid, GID: gid, Content: []byte(content)}
}

// AddSymlink adds a symlink, creating missing parents owned by root.
func (h *Host) AddSymlink(p, target string, uid, gid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkparents(p)
	h.nodes[path.Clean(p)] = &Node{Type: transports.TypeSymlink, Mode: 0o777, UID: uid, GID: gid, Target: target}
}

func (h *Host) mkparents(p string) {
	for dir := path.Dir(path.Clean(p)); ; dir = path.Dir(dir) {
		if _, ok := h.nodes[dir]; !ok {
			h.nodes[dir] = &Node{Type: transports.TypeDirectory, Mode: 0o755}
		}
		if dir == "/" {
			return
		}
	}
}

// Node returns a copy of the entry at p.
func (h *Host) Node(p string) (Node, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[path.Clean(p)]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// SetUser changes the login identity.
func (h *Host) SetUser(name string, uid, gid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.user, h.uid, h.gid = name, uid, gid
	h.users[name] = uid
}

// AddUser adds a passwd entry.
func (h *Host) AddUser(name string, uid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.users[name] = uid
}

// AddGroup adds a group entry.
func (h *Host) AddGroup(name string, gid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups[name] = gid
}

// Handle registers a handler for program.
func (h *Host) Handle(program string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[program] = fn
}

// Calls returns every recorded call.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// Mutations returns the calls that changed state.
func (h *Host) Mutations() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Call
	for _, c := range h.calls {
		if c.Mutating {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// Name implements transports.Host.
func (h *Host) Name() string { return h.name }

// User implements transports.Host.
func (h *Host) User() string { return h.user }

// Close implements transports.Host.
func (h *Host) Close() error { return nil }

// Run implements transports.Runner.
func (h *Host) Run(ctx context.Context, cmd string, opts ...transports.ExecOption) (transports.Result, error) {
	return h.exec(ctx, cmd, false, opts)
}

// Sudo implements transports.Runner.
func (h *Host) Sudo(ctx context.Context, cmd string, opts ...transports.ExecOption) (transports.Result, error) {
	return h.exec(ctx, cmd, true, opts)
}

func (h *Host) exec(ctx context.Context, cmd string, sudo bool, opts []transports.ExecOption) (transports.Result, error) {
	if err := ctx.Err(); err != nil {
		return transports.Result{}, err
	}
	o := transports.ApplyOptions(opts)
	args, err := Split(cmd)
	if err != nil {
		return transports.Result{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	call := Call{Command: cmd, Args: args, Sudo: sudo, User: o.User}
	uid := h.uid
	if sudo {
		uid = 0
		if o.User != "" {
			uid = h.users[o.User]
		}
	}
	res := h.dispatch(&call, uid)
	res.Command = cmd
	h.calls = append(h.calls, call)
	return res, nil
}

func (h *Host) dispatch(c *Call, uid int) transports.Result {
	if len(c.Args) == 0 {
		return transports.Result{}
	}
	args := c.Args[1:]
	switch c.Program() {
	case "mkdir":
		return h.mkdir(c, uid, args)
	case "ln":
		return h.ln(c, uid, args)
	case "chown", "chgrp":
		return h.chown(c, uid, args)
	case "chmod":
		return h.chmod(c, uid, args)
	case "rm", "rmdir":
		return h.rm(c, uid, args)
	case "cat":
		return h.cat(uid, args)
	case "test":
		return h.test(uid, args)
	case "true":
		return transports.Result{}
	}
	if fn, ok := h.handlers[c.Program()]; ok {
		h.mu.Unlock()
		defer h.mu.Lock()
		return fn(c)
	}
	return fail(127, "%s: command not found", c.Program())
}

func fail(code int, format string, args ...any) transports.Result {
	return transports.Result{ExitCode: code, Stderr: fmt.Sprintf(format, args...)}
}

func flags(args []string) (map[string]bool, []string) {
	set := make(map[string]bool)
	var rest []string
	for _, a := range args {
		if len(a) > 1 && a[0] == '-' {
			for _, f := range a[1:] {
				set[string(f)] = true
			}
			continue
		}
		rest = append(rest, a)
	}
	return set, rest
}

func (h *Host) mkdir(c *Call, uid int, args []string) transports.Result {
	mode := uint32(0o755)
	var parents bool
	var paths []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-m":
			if i+1 >= len(args) {
				return fail(1, "mkdir: option requires an argument")
			}
			m, err := strconv.ParseUint(args[i+1], 8, 32)
			if err != nil {
				return fail(1, "mkdir: invalid mode %q", args[i+1])
			}
			mode = uint32(m)
			i++
		case "-p":
			parents = true
		default:
			paths = append(paths, path.Clean(args[i]))
		}
	}
	for _, p := range paths {
		if n, ok := h.nodes[p]; ok {
			if parents && n.Type == transports.TypeDirectory {
				continue
			}
			return fail(1, "mkdir: cannot create directory %q: File exists", p)
		}
		parent, ok := h.nodes[path.Dir(p)]
		if !ok {
			if !parents {
				return fail(1, "mkdir: cannot create directory %q: No such file or directory", p)
			}
			h.mkparents(p)
			parent = h.nodes[path.Dir(p)]
		}
		if !h.allowed(parent, uid, transports.AccessWrite) {
			return fail(1, "mkdir: cannot create directory %q: Permission denied", p)
		}
		h.nodes[p] = &Node{Type: transports.TypeDirectory, Mode: mode, UID: uid, GID: h.gidOf(uid)}
		c.Mutating = true
	}
	return transports.Result{}
}

func (h *Host) ln(c *Call, uid int, args []string) transports.Result {
	fl, rest := flags(args)
	if !fl["s"] || len(rest) != 2 {
		return fail(1, "ln: only ln -s TARGET PATH is supported")
	}
	target, p := rest[0], path.Clean(rest[1])
	if _, ok := h.nodes[p]; ok && !fl["f"] {
		return fail(1, "ln: failed to create symbolic link %q: File exists", p)
	}
	parent, ok := h.nodes[path.Dir(p)]
	if !ok {
		return fail(1, "ln: failed to create symbolic link %q: No such file or directory", p)
	}
	if !h.allowed(parent, uid, transports.AccessWrite) {
		return fail(1, "ln: failed to create symbolic link %q: Permission denied", p)
	}
	h.nodes[p] = &Node{Type: transports.TypeSymlink, Mode: 0o777, UID: uid, GID: h.gidOf(uid), Target: target}
	c.Mutating = true
	return transports.Result{}
}

func (h *Host) chown(c *Call, uid int, args []string) transports.Result {
	fl, rest := flags(args)
	if len(rest) < 2 {
		return fail(1, "%s: missing operand", c.Program())
	}
	spec := rest[0]
	newUID, newGID := -1, -1
	if c.Program() == "chgrp" {
		gid, ok := h.resolve(h.groups, spec)
		if !ok {
			return fail(1, "chgrp: invalid group: %q", spec)
		}
		newGID = gid
	} else {
		owner, group, _ := strings.Cut(spec, ":")
		if owner != "" {
			id, ok := h.resolve(h.users, owner)
			if !ok {
				return fail(1, "chown: invalid user: %q", spec)
			}
			newUID = id
		}
		if group != "" {
			id, ok := h.resolve(h.groups, group)
			if !ok {
				return fail(1, "chown: invalid group: %q", spec)
			}
			newGID = id
		}
	}
	for _, p := range rest[1:] {
		for _, target := range h.targets(path.Clean(p), fl["R"], !fl["h"]) {
			n := h.nodes[target]
			if n == nil {
				return fail(1, "%s: cannot access %q: No such file or directory", c.Program(), p)
			}
			if uid != 0 && (n.UID != uid || (newUID != -1 && newUID != n.UID)) {
				return fail(1, "%s: changing ownership of %q: Operation not permitted", c.Program(), p)
			}
			if newUID != -1 {
				n.UID = newUID
			}
			if newGID != -1 {
				n.GID = newGID
			}
			c.Mutating = true
		}
	}
	return transports.Result{}
}

func (h *Host) chmod(c *Call, uid int, args []string) transports.Result {
	fl, rest := flags(args)
	if len(rest) < 2 {
		return fail(1, "chmod: missing operand")
	}
	m, err := strconv.ParseUint(rest[0], 8, 32)
	if err != nil {
		return fail(1, "chmod: invalid mode: %q", rest[0])
	}
	for _, p := range rest[1:] {
		for _, target := range h.targets(path.Clean(p), fl["R"], true) {
			n := h.nodes[target]
			if n == nil {
				return fail(1, "chmod: cannot access %q: No such file or directory", p)
			}
			if uid != 0 && n.UID != uid {
				return fail(1, "chmod: changing permissions of %q: Operation not permitted", p)
			}
			n.Mode = uint32(m)
			c.Mutating = true
		}
	}
	return transports.Result{}
}

func (h *Host) rm(c *Call, uid int, args []string) transports.Result {
	fl, rest := flags(args)
	for _, p := range rest {
		p = path.Clean(p)
		n, ok := h.nodes[p]
		if !ok {
			if fl["f"] {
				continue
			}
			return fail(1, "%s: cannot remove %q: No such file or directory", c.Program(), p)
		}
		if !h.allowed(h.nodes[path.Dir(p)], uid, transports.AccessWrite) {
			return fail(1, "%s: cannot remove %q: Permission denied", c.Program(), p)
		}
		children := h.children(p)
		switch {
		case c.Program() == "rmdir" && n.Type != transports.TypeDirectory:
			return fail(1, "rmdir: failed to remove %q: Not a directory", p)
		case c.Program() == "rmdir" && len(children) > 0:
			return fail(1, "rmdir: failed to remove %q: Directory not empty", p)
		case c.Program() == "rm" && n.Type == transports.TypeDirectory && !fl["r"]:
			return fail(1, "rm: cannot remove %q: Is a directory", p)
		}
		for _, child := range h.descendants(p) {
			delete(h.nodes, child)
		}
		delete(h.nodes, p)
		c.Mutating = true
	}
	return transports.Result{}
}

func (h *Host) cat(uid int, args []string) transports.Result {
	var out bytes.Buffer
	for _, p := range args {
		n, err := h.follow(path.Clean(p))
		if err != nil {
			return fail(1, "cat: %s: No such file or directory", p)
		}
		if n.Type == transports.TypeDirectory {
			return fail(1, "cat: %s: Is a directory", p)
		}
		if !h.allowed(n, uid, transports.AccessRead) {
			return fail(1, "cat: %s: Permission denied", p)
		}
		out.Write(n.Content)
	}
	return transports.Result{Stdout: out.String()}
}

func (h *Host) test(uid int, args []string) transports.Result {
	if len(args) != 2 {
		return fail(2, "test: unsupported expression")
	}
	p := path.Clean(args[1])
	var ok bool
	switch args[0] {
	case "-e":
		_, err := h.follow(p)
		ok = err == nil
	case "-d":
		n, err := h.follow(p)
		ok = err == nil && n.Type == transports.TypeDirectory
	case "-f":
		n, err := h.follow(p)
		ok = err == nil && n.Type == transports.TypeRegular
	case "-L", "-h":
		n, exists := h.nodes[p]
		ok = exists && n.Type == transports.TypeSymlink
	case "-r", "-w", "-x":
		mode := map[string]transports.AccessMode{"-r": transports.AccessRead, "-w": transports.AccessWrite, "-x": transports.AccessExec}[args[0]]
		n, err := h.follow(p)
		ok = err == nil && h.allowed(n, uid, mode)
	default:
		return fail(2, "test: unsupported operator %s", args[0])
	}
	if !ok {
		return transports.Result{ExitCode: 1}
	}
	return transports.Result{}
}

// Put implements transports.Transfer. The new file belongs to the login
// user, as a sudo mv of an uploaded temporary file would.
func (h *Host) Put(ctx context.Context, content io.Reader, p string, useSudo bool, mode uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return &transports.Error{Op: "put", Err: err}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	p = path.Clean(p)
	call := Call{Command: "put " + p, Args: []string{"put", p}, Sudo: useSudo}
	defer func() { h.calls = append(h.calls, call) }()

	uid := h.uid
	if useSudo {
		uid = 0
	}
	parent, ok := h.nodes[path.Dir(p)]
	if !ok {
		return &transports.Error{Op: "put", Err: fmt.Errorf("%s: %w", path.Dir(p), os.ErrNotExist)}
	}
	if existing, ok := h.nodes[p]; ok && existing.Type == transports.TypeDirectory {
		return &transports.Error{Op: "put", Err: fmt.Errorf("%s is a directory", p)}
	}
	if !h.allowed(parent, uid, transports.AccessWrite) {
		return &transports.Error{Op: "put", Err: fmt.Errorf("%s: %w", p, os.ErrPermission)}
	}
	h.nodes[p] = &Node{Type: transports.TypeRegular, Mode: mode, UID: h.uid, GID: h.gid, Content: data}
	call.Mutating = true
	return nil
}

// Stat implements transports.Metadata.
func (h *Host) Stat(_ context.Context, p string) (transports.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.follow(path.Clean(p))
	if err != nil {
		return transports.FileInfo{}, err
	}
	return info(p, n), nil
}

// Lstat implements transports.Metadata.
func (h *Host) Lstat(_ context.Context, p string) (transports.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[path.Clean(p)]
	if !ok {
		return transports.FileInfo{}, notExist(p)
	}
	return info(p, n), nil
}

// Exists implements transports.Metadata.
func (h *Host) Exists(_ context.Context, p string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.nodes[path.Clean(p)]
	return ok, nil
}

// Access implements transports.Metadata.
func (h *Host) Access(_ context.Context, p string, mode transports.AccessMode) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.follow(path.Clean(p))
	if err != nil {
		return false, nil
	}
	return h.allowed(n, h.uid, mode), nil
}

// Getuid implements transports.Metadata.
func (h *Host) Getuid(context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uid, nil
}

// LookupUser implements transports.Metadata.
func (h *Host) LookupUser(_ context.Context, name string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.resolve(h.users, name); ok {
		return id, nil
	}
	return 0, fmt.Errorf("%q: %w", name, transports.ErrUnknownUser)
}

// LookupGroup implements transports.Metadata.
func (h *Host) LookupGroup(_ context.Context, name string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.resolve(h.groups, name); ok {
		return id, nil
	}
	return 0, fmt.Errorf("%q: %w", name, transports.ErrUnknownGroup)
}

// ReadDir implements transports.Metadata.
func (h *Host) ReadDir(_ context.Context, p string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.follow(path.Clean(p))
	if err != nil {
		return nil, err
	}
	if n.Type != transports.TypeDirectory {
		return nil, fmt.Errorf("%s: not a directory", p)
	}
	return h.children(path.Clean(p)), nil
}

func (h *Host) resolve(table map[string]int, name string) (int, bool) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, true
	}
	id, ok := table[name]
	return id, ok
}

func (h *Host) gidOf(uid int) int {
	if uid == h.uid {
		return h.gid
	}
	return uid
}

func (h *Host) allowed(n *Node, uid int, mode transports.AccessMode) bool {
	if n == nil {
		return false
	}
	if uid == 0 {
		return true
	}
	bits := uint32(mode)
	switch {
	case n.UID == uid:
		return n.Mode&(bits<<6) != 0
	case n.GID == h.gidOf(uid):
		return n.Mode&(bits<<3) != 0
	default:
		return n.Mode&bits != 0
	}
}

func (h *Host) follow(p string) (*Node, error) {
	for range 16 {
		n, ok := h.nodes[p]
		if !ok {
			return nil, notExist(p)
		}
		if n.Type != transports.TypeSymlink {
			return n, nil
		}
		if path.IsAbs(n.Target) {
			p = path.Clean(n.Target)
		} else {
			p = path.Join(path.Dir(p), n.Target)
		}
	}
	return nil, fmt.Errorf("%s: too many levels of symbolic links", p)
}

func (h *Host) children(p string) []string {
	prefix := strings.TrimSuffix(p, "/") + "/"
	var out []string
	for k := range h.nodes {
		if k != p && strings.HasPrefix(k, prefix) && !strings.Contains(k[len(prefix):], "/") {
			out = append(out, k[len(prefix):])
		}
	}
	sort.Strings(out)
	return out
}

func (h *Host) descendants(p string) []string {
	prefix := strings.TrimSuffix(p, "/") + "/"
	var out []string
	for k := range h.nodes {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Host) targets(p string, recursive, deref bool) []string {
	if deref {
		if n, ok := h.nodes[p]; ok && n.Type == transports.TypeSymlink {
			target := n.Target
			if !path.IsAbs(target) {
				target = path.Join(path.Dir(p), target)
			}
			p = path.Clean(target)
		}
	}
	out := []string{p}
	if recursive {
		out = append(out, h.descendants(p)...)
	}
	return out
}

func info(p string, n *Node) transports.FileInfo {
	return transports.FileInfo{
		Path: path.Clean(p),
		Type: n.Type,
		Mode: n.Mode,
		UID:  n.UID,
		GID:  n.GID,
		Size: int64(len(n.Content)),
	}
}

func notExist(p string) error {
	return &os.PathError{Op: "stat", Path: p, Err: os.ErrNotExist}
}

// Split breaks a command line quoted with transports.Command back into
// words. Single quotes, double quotes and backslash escapes are honoured.
func Split(cmd string) ([]string, error) {
	var (
		words []string
		cur   strings.Builder
		in    bool
		quote rune
		esc   bool
	)
	for _, r := range cmd {
		switch {
		case esc:
			cur.WriteRune(r)
			esc = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				esc = true
			default:
				cur.WriteRune(r)
			}
		case r == '\\':
			esc, in = true, true
		case r == '\'' || r == '"':
			quote, in = r, true
		case r == ' ' || r == '\t' || r == '\n':
			if in {
				words = append(words, cur.String())
				cur.Reset()
				in = false
			}
		default:
			cur.WriteRune(r)
			in = true
		}
	}
	if quote != 0 || esc {
		return nil, fmt.Errorf("unterminated quote in %q", cmd)
	}
	if in {
		words = append(words, cur.String())
	}
	return words, nil
}
