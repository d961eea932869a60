// Package ssh provides the SSH and SFTP transport used to push configuration
// files to managed targets and run their reload and validation commands.
package ssh

import (
	"context"
	"errors"
	"os"
	"time"
)

// Transport is a connection to one remote host.
type Transport interface {
	// Connect establishes the SSH connection. Connecting an already
	// connected transport is a no-op while the connection is healthy.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases all resources.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// Run executes a shell command on the remote host. A non-zero exit
	// status is returned as a *TransportError together with the result.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// WriteFile replaces remotePath with content. The file is written next
	// to the destination and renamed over it, so readers never see a
	// partial file.
	WriteFile(ctx context.Context, remotePath string, content []byte, mode os.FileMode) (*FileTransferResult, error)

	// ReadFile returns the content of remotePath.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// CopyFile copies a remote file to another remote path, keeping its mode.
	CopyFile(ctx context.Context, srcPath, dstPath string) error

	// Exists reports whether remotePath exists.
	Exists(ctx context.Context, remotePath string) (bool, error)

	// Checksum returns the hex SHA256 of a remote file.
	Checksum(ctx context.Context, remotePath string) (string, error)

	// ConnectionInfo returns information about the current connection.
	ConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
	ViaProxy     bool
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// FileTransferResult represents the result of a file transfer operation.
type FileTransferResult struct {
	// BytesTransferred is the number of bytes transferred
	BytesTransferred int64

	// Duration is the time taken for the transfer
	Duration time.Duration

	// StartedAt is when the transfer started
	StartedAt time.Time

	// FinishedAt is when the transfer completed
	FinishedAt time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "write")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool

	// ExitCode is the remote exit status for failed commands, -1 otherwise
	ExitCode int
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

func newTransportError(op string, err error, temporary bool) *TransportError {
	return &TransportError{Op: op, Err: err, IsTemporary: temporary, ExitCode: -1}
}

// IsTemporary reports whether err is a transport error worth retrying.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}

// IsAuthError reports whether err was caused by rejected credentials or an
// unknown host key.
func IsAuthError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsAuthError
}
