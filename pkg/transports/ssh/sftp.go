package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/bendavis78/quilt/pkg/transports"
)

// Put implements transports.Transfer. Content is written to a temporary
// file which is then renamed over path: beside path when the login user
// can write there, under TempDir followed by sudo mv otherwise.
func (h *Host) Put(ctx context.Context, content io.Reader, p string, useSudo bool, mode uint32) error {
	startTime := time.Now()

	client, err := h.sftpClient()
	if err != nil {
		return err
	}

	dir := path.Dir(p)
	if useSudo {
		dir = h.config.TempDir
	}
	tmp := path.Join(dir, ".quilt-"+uuid.NewString())

	written, err := h.upload(ctx, client, content, tmp, mode)
	if err != nil {
		_ = client.Remove(tmp)
		return &transports.Error{Op: "put", Err: fmt.Errorf("%s: %w", p, err)}
	}

	if useSudo {
		res, err := h.Sudo(ctx, transports.Command("mv", "-f", "--", tmp, p))
		if err == nil && !res.Succeeded() {
			err = fmt.Errorf("mv exited with code %d: %s", res.ExitCode, res.Output())
		}
		if err != nil {
			_ = client.Remove(tmp)
			return &transports.Error{Op: "put", Err: fmt.Errorf("%s: %w", p, err)}
		}
	} else if err := client.PosixRename(tmp, p); err != nil {
		_ = client.Remove(tmp)
		return &transports.Error{Op: "put", Err: fmt.Errorf("%s: %w", p, err)}
	}

	log.Debug().
		Str("host", h.Name()).
		Str("remote", p).
		Int64("bytes", written).
		Bool("sudo", useSudo).
		Dur("duration", time.Since(startTime)).
		Msg("file uploaded")
	return nil
}

func (h *Host) upload(ctx context.Context, client *sftp.Client, content io.Reader, tmp string, mode uint32) (int64, error) {
	f, err := client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return 0, err
	}
	written, err := copyWithContext(ctx, f, content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, err
	}
	return written, client.Chmod(tmp, osMode(mode))
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}

// Stat implements transports.Metadata.
func (h *Host) Stat(ctx context.Context, p string) (transports.FileInfo, error) {
	return h.stat(ctx, p, true)
}

// Lstat implements transports.Metadata.
func (h *Host) Lstat(ctx context.Context, p string) (transports.FileInfo, error) {
	return h.stat(ctx, p, false)
}

// stat asks the SFTP server first and falls back to stat(1) under sudo
// when the login user may not traverse the path.
func (h *Host) stat(ctx context.Context, p string, follow bool) (transports.FileInfo, error) {
	client, err := h.sftpClient()
	if err != nil {
		return transports.FileInfo{}, err
	}

	var fi os.FileInfo
	if follow {
		fi, err = client.Stat(p)
	} else {
		fi, err = client.Lstat(p)
	}
	switch {
	case err == nil:
		return fileInfo(p, fi), nil
	case errors.Is(err, os.ErrNotExist):
		return transports.FileInfo{}, fmt.Errorf("%s: %w", p, os.ErrNotExist)
	case errors.Is(err, os.ErrPermission):
		return h.sudoStat(ctx, p, follow)
	default:
		return transports.FileInfo{}, &transports.Error{Op: "stat", Err: fmt.Errorf("%s: %w", p, err)}
	}
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

// ReadDir implements transports.Metadata.
func (h *Host) ReadDir(ctx context.Context, p string) ([]string, error) {
	client, err := h.sftpClient()
	if err != nil {
		return nil, err
	}
	entries, err := client.ReadDir(p)
	if errors.Is(err, os.ErrPermission) {
		return h.sudoReadDir(ctx, p)
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

// fileInfo converts an SFTP stat result. The raw POSIX mode is used when
// available so setuid, setgid and sticky bits survive.
func fileInfo(p string, fi os.FileInfo) transports.FileInfo {
	info := transports.FileInfo{
		Path: p,
		Type: transports.TypeFromOS(fi.Mode()),
		Mode: transports.ModeFromOS(fi.Mode()),
		Size: fi.Size(),
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		info.Mode = st.Mode & transports.ModePerm
		info.UID = int(st.UID)
		info.GID = int(st.GID)
	}
	return info
}

// osMode converts stat(2) permission bits into an os.FileMode.
func osMode(mode uint32) os.FileMode {
	m := os.FileMode(mode & 0o777)
	if mode&transports.ModeSetuid != 0 {
		m |= os.ModeSetuid
	}
	if mode&transports.ModeSetgid != 0 {
		m |= os.ModeSetgid
	}
	if mode&transports.ModeSticky != 0 {
		m |= os.ModeSticky
	}
	return m
}
