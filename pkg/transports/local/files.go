package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/bendavis78/quilt/pkg/transports"
)

// Put implements transports.Transfer. Content is staged beside path, or
// under TempDir and moved with sudo when useSudo is set.
func (h *Host) Put(ctx context.Context, content io.Reader, p string, useSudo bool, mode uint32) error {
	dir := filepath.Dir(p)
	if useSudo {
		dir = h.config.TempDir
	}
	tmp := filepath.Join(dir, ".quilt-"+uuid.NewString())

	written, err := stage(ctx, content, tmp, mode)
	if err != nil {
		_ = os.Remove(tmp)
		return &transports.Error{Op: "put", Err: fmt.Errorf("%s: %w", p, err)}
	}

	if useSudo {
		res, err := h.Sudo(ctx, transports.Command("mv", "-f", "--", tmp, p))
		if err == nil && !res.Succeeded() {
			err = fmt.Errorf("mv exited with code %d: %s", res.ExitCode, res.Output())
		}
		if err != nil {
			_ = os.Remove(tmp)
			return &transports.Error{Op: "put", Err: fmt.Errorf("%s: %w", p, err)}
		}
	} else if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return &transports.Error{Op: "put", Err: fmt.Errorf("%s: %w", p, err)}
	}

	log.Debug().Str("host", h.Name()).Str("path", p).Int64("bytes", written).Bool("sudo", useSudo).Msg("file written")
	return nil
}

func stage(ctx context.Context, content io.Reader, tmp string, mode uint32) (int64, error) {
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(f, readerWithContext{ctx, content})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, err
	}
	// chmod(2) rather than os.Chmod so the raw setuid/setgid/sticky bits apply.
	return written, unix.Chmod(tmp, mode&transports.ModePerm)
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// Stat implements transports.Metadata.
func (h *Host) Stat(ctx context.Context, p string) (transports.FileInfo, error) {
	return h.stat(ctx, p, true)
}

// Lstat implements transports.Metadata.
func (h *Host) Lstat(ctx context.Context, p string) (transports.FileInfo, error) {
	return h.stat(ctx, p, false)
}

func (h *Host) stat(ctx context.Context, p string, follow bool) (transports.FileInfo, error) {
	var st unix.Stat_t
	var err error
	if follow {
		err = unix.Stat(p, &st)
	} else {
		err = unix.Lstat(p, &st)
	}
	switch {
	case err == nil:
		return transports.FileInfo{
			Path: p,
			Type: transports.TypeFromRaw(uint32(st.Mode)),
			Mode: uint32(st.Mode) & transports.ModePerm,
			UID:  int(st.Uid),
			GID:  int(st.Gid),
			Size: st.Size,
		}, nil
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENOTDIR):
		return transports.FileInfo{}, fmt.Errorf("%s: %w", p, os.ErrNotExist)
	case errors.Is(err, unix.EACCES):
		return h.sudoStat(ctx, p, follow)
	default:
		return transports.FileInfo{}, &transports.Error{Op: "stat", Err: fmt.Errorf("%s: %w", p, err)}
	}
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

// Exists implements transports.Metadata.
func (h *Host) Exists(ctx context.Context, p string) (bool, error) {
	_, err := h.Lstat(ctx, p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Access implements transports.Metadata with access(2).
func (h *Host) Access(ctx context.Context, p string, mode transports.AccessMode) (bool, error) {
	err := unix.Access(p, uint32(mode))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EROFS), errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENOTDIR):
		return false, nil
	default:
		return false, &transports.Error{Op: "access", Err: fmt.Errorf("%s: %w", p, err)}
	}
}

// ReadDir implements transports.Metadata.
func (h *Host) ReadDir(ctx context.Context, p string) ([]string, error) {
	entries, err := os.ReadDir(p)
	if errors.Is(err, os.ErrPermission) {
		res, err := h.Sudo(ctx, transports.ListCommand(p), transports.Quiet())
		if err != nil {
			return nil, err
		}
		if !res.Succeeded() {
			return nil, &transports.Error{Op: "readdir", Err: fmt.Errorf("%s: %s", p, res.Output())}
		}
		return transports.ParseList(res.Stdout), nil
	}
	if err != nil {
		return nil, &transports.Error{Op: "readdir", Err: fmt.Errorf("%s: %w", p, err)}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
