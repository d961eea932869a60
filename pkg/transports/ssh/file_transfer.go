package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
)

// sftpClient returns the SFTP client of the connection, opening the
// subsystem on first use.
func (c *SSHClient) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, newTransportError("sftp-init", fmt.Errorf("not connected"), false)
	}
	if c.sftp != nil {
		return c.sftp, nil
	}

	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, newTransportError("sftp-init", fmt.Errorf("failed to create SFTP client: %w", err), true)
	}
	c.sftp = client
	c.lastUsedAt = time.Now()
	return client, nil
}

// WriteFile replaces remotePath with content through a temporary file and a
// rename.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, content []byte, mode os.FileMode) (*FileTransferResult, error) {
	result := &FileTransferResult{StartedAt: time.Now()}

	c.logger.Debug().
		Str("remote", remotePath).
		Int("size", len(content)).
		Str("mode", mode.String()).
		Msg("Writing file")

	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, newTransportError("write", fmt.Errorf("failed to create remote directory: %w", err), false)
	}

	tmpPath := remotePath + ".confdeploy-tmp"
	f, err := client.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, newTransportError("write", fmt.Errorf("failed to create remote file: %w", err), true)
	}

	written, err := copyWithContext(ctx, f, bytes.NewReader(content))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = client.Chmod(tmpPath, mode)
	}
	if err == nil {
		err = client.PosixRename(tmpPath, remotePath)
	}
	if err != nil {
		_ = client.Remove(tmpPath)
		return nil, newTransportError("write", fmt.Errorf("failed to write %s: %w", remotePath, err), !errors.Is(err, os.ErrPermission))
	}

	result.BytesTransferred = written
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	c.logger.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("File written")

	return result, nil
}

// ReadFile returns the content of a remote file.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, newTransportError("read", fmt.Errorf("failed to open %s: %w", remotePath, err), false)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, newTransportError("read", fmt.Errorf("failed to read %s: %w", remotePath, err), true)
	}
	return buf.Bytes(), nil
}

// CopyFile copies srcPath to dstPath on the remote host, keeping the mode.
func (c *SSHClient) CopyFile(ctx context.Context, srcPath, dstPath string) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	info, err := client.Stat(srcPath)
	if err != nil {
		return newTransportError("copy", fmt.Errorf("failed to stat %s: %w", srcPath, err), false)
	}

	src, err := client.Open(srcPath)
	if err != nil {
		return newTransportError("copy", fmt.Errorf("failed to open %s: %w", srcPath, err), false)
	}
	defer src.Close()

	dst, err := client.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return newTransportError("copy", fmt.Errorf("failed to create %s: %w", dstPath, err), false)
	}

	_, err = copyWithContext(ctx, dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = client.Chmod(dstPath, info.Mode().Perm())
	}
	if err != nil {
		return newTransportError("copy", fmt.Errorf("failed to copy %s to %s: %w", srcPath, dstPath, err), true)
	}

	c.logger.Debug().Str("src", srcPath).Str("dst", dstPath).Int64("size", info.Size()).Msg("File copied")
	return nil
}

// Exists reports whether a remote path exists.
func (c *SSHClient) Exists(ctx context.Context, remotePath string) (bool, error) {
	client, err := c.sftpClient()
	if err != nil {
		return false, err
	}

	if _, err := client.Stat(remotePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, newTransportError("stat", err, true)
	}
	return true, nil
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
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
