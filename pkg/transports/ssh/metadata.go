package ssh

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bendavis78/quilt/pkg/transports"
)

// Access implements transports.Metadata using test(1), which honours the
// login user's supplementary groups and ACLs.
func (h *Host) Access(ctx context.Context, p string, mode transports.AccessMode) (bool, error) {
	res, err := h.Run(ctx, transports.Command("test", mode.TestFlag(), p), transports.Quiet())
	if err != nil {
		return false, err
	}
	return res.Succeeded(), nil
}

// Getuid implements transports.Metadata. The uid is looked up once.
func (h *Host) Getuid(ctx context.Context) (int, error) {
	h.mu.Lock()
	if h.uid != nil {
		uid := *h.uid
		h.mu.Unlock()
		return uid, nil
	}
	h.mu.Unlock()

	res, err := h.Run(ctx, "id -u", transports.Quiet())
	if err != nil {
		return 0, err
	}
	if !res.Succeeded() {
		return 0, &transports.Error{Op: "getuid", Err: fmt.Errorf("id -u: %s", res.Output())}
	}
	uid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, &transports.Error{Op: "getuid", Err: err}
	}

	h.mu.Lock()
	h.uid = &uid
	h.mu.Unlock()
	return uid, nil
}

// LookupUser implements transports.Metadata.
func (h *Host) LookupUser(ctx context.Context, name string) (int, error) {
	return h.getent(ctx, "passwd", name, transports.ErrUnknownUser)
}

// LookupGroup implements transports.Metadata.
func (h *Host) LookupGroup(ctx context.Context, name string) (int, error) {
	return h.getent(ctx, "group", name, transports.ErrUnknownGroup)
}

// getent resolves name in a passwd-style database; the id is the third
// colon-separated field. Exit status 2 means the key was not found.
func (h *Host) getent(ctx context.Context, database, name string, unknown error) (int, error) {
	res, err := h.Run(ctx, transports.Command("getent", database, name), transports.Quiet())
	if err != nil {
		return 0, err
	}
	switch res.ExitCode {
	case 0:
	case 2:
		return 0, fmt.Errorf("%s: %w", name, unknown)
	default:
		return 0, &transports.Error{Op: "getent", Err: fmt.Errorf("getent %s %s: %s", database, name, res.Output())}
	}
	return parseEntryID(res.Stdout)
}

func parseEntryID(line string) (int, error) {
	line = strings.TrimSpace(strings.SplitN(line, "\n", 2)[0])
	fields := strings.Split(line, ":")
	if len(fields) < 3 {
		return 0, &transports.Error{Op: "getent", Err: fmt.Errorf("malformed entry %q", line)}
	}
	id, err := strconv.Atoi(fields[2])
	if err != nil {
		return 0, &transports.Error{Op: "getent", Err: fmt.Errorf("malformed entry %q: %w", line, err)}
	}
	return id, nil
}

func (h *Host) sudoStat(ctx context.Context, p string, follow bool) (transports.FileInfo, error) {
	res, err := h.Sudo(ctx, transports.StatCommand(p, follow), transports.Quiet())
	if err != nil {
		return transports.FileInfo{}, err
	}
	if !res.Succeeded() {
		if strings.Contains(res.Stderr, "No such file") {
			return transports.FileInfo{}, fmt.Errorf("%s: %w", p, os.ErrNotExist)
		}
		return transports.FileInfo{}, &transports.Error{Op: "stat", Err: fmt.Errorf("%s: %s", p, res.Output())}
	}
	return transports.ParseStat(p, res.Stdout)
}

func (h *Host) sudoReadDir(ctx context.Context, p string) ([]string, error) {
	res, err := h.Sudo(ctx, transports.ListCommand(p), transports.Quiet())
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return nil, &transports.Error{Op: "readdir", Err: fmt.Errorf("%s: %s", p, res.Output())}
	}
	return transports.ParseList(res.Stdout), nil
}
