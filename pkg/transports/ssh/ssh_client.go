package ssh

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements Transport over a single SSH connection. Sessions and
// the SFTP subsystem are multiplexed on that connection, so one client can
// serve concurrent calls.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	lastUsedAt  time.Time
	stop        chan struct{}
}

var _ Transport = (*SSHClient)(nil)

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if err := healthCheck(c.client); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		_ = c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true, ExitCode: -1}
	}

	var proxy *ssh.Client
	if c.config.IsProxyEnabled() {
		proxyConfig := c.config.proxyConfig()
		proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
		if err != nil {
			return &TransportError{Op: "connect-proxy", Err: err, IsAuthError: true, ExitCode: -1}
		}
		c.logger.Debug().Str("proxy", proxyConfig.Address()).Msg("Connecting to proxy host")
		proxy, err = dial(ctx, nil, proxyConfig.Address(), proxyClientConfig)
		if err != nil {
			return classifyDialError("connect-proxy", err)
		}
	}

	client, err := dial(ctx, proxy, c.config.Address(), clientConfig)
	if err != nil {
		if proxy != nil {
			_ = proxy.Close()
		}
		return classifyDialError("connect", err)
	}

	c.client = client
	c.proxy = proxy
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	c.stop = make(chan struct{})

	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(client, c.stop)
	}

	c.logger.Info().
		Str("address", c.config.Address()).
		Bool("via_proxy", proxy != nil).
		Msg("SSH connection established")
	return nil
}

// dial opens a TCP connection, directly or through via, and runs the SSH
// handshake under the context deadline and the client timeout.
func dial(ctx context.Context, via *ssh.Client, address string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var conn net.Conn
	var err error
	if via != nil {
		conn, err = via.DialContext(ctx, "tcp", address)
	} else {
		d := net.Dialer{Timeout: cfg.Timeout}
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if cfg.Timeout > 0 {
		deadline = time.Now().Add(cfg.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if !deadline.IsZero() {
		_ = conn.SetDeadline(deadline)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(ncc, chans, reqs), nil
}

func classifyDialError(op string, err error) *TransportError {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts") {
		return &TransportError{Op: op, Err: err, IsAuthError: true, ExitCode: -1}
	}
	return newTransportError(op, err, true)
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	c.logger.Debug().Msg("Closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return newTransportError("disconnect", err, false)
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	close(c.stop)
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	err := c.client.Close()
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	c.client = nil
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	client, err := c.getClient()
	if err != nil {
		return newTransportError("healthcheck", fmt.Errorf("not connected"), false)
	}

	done := make(chan error, 1)
	go func() { done <- healthCheck(client) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return newTransportError("healthcheck", ctx.Err(), true)
	}
}

// healthCheck runs a no-op command on client.
func healthCheck(client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		return newTransportError("healthcheck", err, true)
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return newTransportError("healthcheck", err, true)
	}
	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed or the
// retries are exhausted.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

// ConnectionInfo returns information about the current connection.
func (c *SSHClient) ConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		ViaProxy:     c.proxy != nil,
	}
}

// getClient returns the underlying SSH client.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return nil, newTransportError("get-client", fmt.Errorf("not connected"), false)
	}
	c.touch()
	return client, nil
}

func (c *SSHClient) touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
}
