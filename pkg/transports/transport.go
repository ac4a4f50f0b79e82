// Package transports defines the remote-host capabilities the convergence
// engine depends on: command execution, file transfer and metadata queries.
//
// Implementations live in sub-packages (ssh, local) and a recording fake for
// tests lives in transporttest.
package transports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"al.essio.dev/pkg/shellescape"
)

// Runner executes shell commands on the target.
type Runner interface {
	// Run executes cmd as the login user. A non-zero exit status is reported
	// in Result.ExitCode, not as an error; errors mean the command could not
	// be run at all.
	Run(ctx context.Context, cmd string, opts ...ExecOption) (Result, error)

	// Sudo executes cmd with elevated privileges.
	Sudo(ctx context.Context, cmd string, opts ...ExecOption) (Result, error)
}

// Transfer pushes content to the target.
type Transfer interface {
	// Put writes content to path with the given permission bits, replacing
	// any existing file. When useSudo is set the final move and chmod run
	// with elevated privileges.
	Put(ctx context.Context, content io.Reader, path string, useSudo bool, mode uint32) error
}

// Metadata answers questions about the target's filesystem and accounts.
type Metadata interface {
	// Stat follows symlinks. Missing paths return an error wrapping os.ErrNotExist.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// Lstat does not follow symlinks.
	Lstat(ctx context.Context, path string) (FileInfo, error)

	// Exists reports whether path exists without following a final symlink.
	Exists(ctx context.Context, path string) (bool, error)

	// Access reports whether the login user has the given access to path.
	Access(ctx context.Context, path string, mode AccessMode) (bool, error)

	// Getuid returns the login user's uid.
	Getuid(ctx context.Context) (int, error)

	// LookupUser resolves a user name to a uid. Unknown names return an
	// error wrapping ErrUnknownUser.
	LookupUser(ctx context.Context, name string) (int, error)

	// LookupGroup resolves a group name to a gid. Unknown names return an
	// error wrapping ErrUnknownGroup.
	LookupGroup(ctx context.Context, name string) (int, error)

	// ReadDir lists the entry names of a directory.
	ReadDir(ctx context.Context, path string) ([]string, error)
}

// Host is a complete target: the three capabilities plus identity.
type Host interface {
	Runner
	Transfer
	Metadata

	// Name identifies the target in logs and reports.
	Name() string

	// User is the login user name.
	User() string

	// Close releases connections held by the host.
	Close() error
}

// AccessMode mirrors the access(2) mode bits.
type AccessMode int

const (
	// AccessExec checks execute/search permission.
	AccessExec AccessMode = 1
	// AccessWrite checks write permission.
	AccessWrite AccessMode = 2
	// AccessRead checks read permission.
	AccessRead AccessMode = 4
)

// TestFlag returns the test(1) flag for the mode.
func (m AccessMode) TestFlag() string {
	switch m {
	case AccessExec:
		return "-x"
	case AccessWrite:
		return "-w"
	default:
		return "-r"
	}
}

// FileType is the node type of a path on the target.
type FileType int

const (
	TypeOther FileType = iota
	TypeRegular
	TypeDirectory
	TypeSymlink
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "regular file"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// FileInfo is the subset of stat(2) the engine needs.
type FileInfo struct {
	Path string
	Type FileType
	// Mode holds the permission bits including setuid, setgid and sticky.
	Mode uint32
	UID  int
	GID  int
	Size int64
}

// Permission bits outside the rwx triplets.
const (
	ModeSetuid uint32 = 04000
	ModeSetgid uint32 = 02000
	ModeSticky uint32 = 01000
	ModePerm   uint32 = 07777
)

// ModeFromOS converts an os.FileMode into stat(2) style permission bits.
func ModeFromOS(m os.FileMode) uint32 {
	bits := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		bits |= ModeSetuid
	}
	if m&os.ModeSetgid != 0 {
		bits |= ModeSetgid
	}
	if m&os.ModeSticky != 0 {
		bits |= ModeSticky
	}
	return bits
}

// TypeFromOS classifies an os.FileMode.
func TypeFromOS(m os.FileMode) FileType {
	switch {
	case m&os.ModeSymlink != 0:
		return TypeSymlink
	case m.IsDir():
		return TypeDirectory
	case m.IsRegular():
		return TypeRegular
	default:
		return TypeOther
	}
}

// Result is the outcome of a remote command.
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Succeeded reports a zero exit status.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Output joins stdout and stderr for error reporting.
func (r Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// ExecOption tweaks a single command execution.
type ExecOption func(*ExecOptions)

// ExecOptions is the resolved set of options for one command.
type ExecOptions struct {
	// Quiet suppresses command and output logging.
	Quiet bool

	// User runs a Sudo command as this user instead of root.
	User string
}

// Quiet hides the command and its output from the logs.
func Quiet() ExecOption {
	return func(o *ExecOptions) {
		o.Quiet = true
	}
}

// AsUser makes Sudo run the command as user.
func AsUser(user string) ExecOption {
	return func(o *ExecOptions) {
		o.User = user
	}
}

// ApplyOptions resolves opts.
func ApplyOptions(opts []ExecOption) ExecOptions {
	var o ExecOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Quote escapes a single shell word.
func Quote(s string) string {
	return shellescape.Quote(s)
}

// Command joins words into a shell command line, quoting each one.
func Command(words ...string) string {
	return shellescape.QuoteCommand(words)
}

var (
	// ErrUnknownUser is returned by LookupUser for names with no passwd entry.
	ErrUnknownUser = errors.New("unknown user")
	// ErrUnknownGroup is returned by LookupGroup for names with no group entry.
	ErrUnknownGroup = errors.New("unknown group")
)

// Error represents a failure of the transport itself.
type Error struct {
	// Op is the operation that failed (e.g., "connect", "exec", "put").
	Op string

	// Err is the underlying error.
	Err error

	// Temporary indicates the failure may succeed on retry.
	Temporary bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is a temporary transport failure.
func IsTemporary(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Temporary
}
