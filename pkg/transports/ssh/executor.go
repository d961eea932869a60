package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Run executes a command on the remote host.
func (c *SSHClient) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	if _, ok := ctx.Deadline(); !ok && c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	c.logger.Debug().Str("command", cmd).Msg("Executing command")

	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, newTransportError("exec", fmt.Errorf("failed to create session: %w", err), true)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	result := &ExecResult{StartedAt: time.Now()}
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		<-done
		execErr = ctx.Err()
	case execErr = <-done:
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = strings.TrimSpace(stdoutBuf.String())
	result.Stderr = strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("Command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		msg := result.Stderr
		if msg == "" {
			msg = result.Stdout
		}
		return result, &TransportError{
			Op:       "exec",
			Err:      fmt.Errorf("command exited with code %d: %s", result.ExitCode, msg),
			ExitCode: result.ExitCode,
		}
	}

	result.ExitCode = -1
	return result, newTransportError("exec", execErr, true)
}

// Checksum returns the hex SHA256 of a remote file as reported by sha256sum.
func (c *SSHClient) Checksum(ctx context.Context, remotePath string) (string, error) {
	result, err := c.Run(ctx, "sha256sum "+shellQuote(remotePath))
	if err != nil {
		return "", fmt.Errorf("failed to compute checksum: %w", err)
	}

	// Output format: "checksum  filename"
	fields := strings.Fields(result.Stdout)
	if len(fields) == 0 {
		return "", newTransportError("checksum", fmt.Errorf("invalid checksum output: %q", result.Stdout), false)
	}
	return fields[0], nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
