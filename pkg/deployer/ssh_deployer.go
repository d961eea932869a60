// Package deployer implements the remote half of a deployment step over SSH.
package deployer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/confdeploy/pkg/engine"
	sshtransport "github.com/openfroyo/confdeploy/pkg/transports/ssh"
)

// Dialer opens a connected transport for one target.
type Dialer func(ctx context.Context, cfg *sshtransport.Config) (sshtransport.Transport, error)

// SSHDeployer pushes configuration files over SFTP and runs the profile
// commands over SSH. Connections are cached per target.
type SSHDeployer struct {
	config Config
	logger zerolog.Logger
	dial   Dialer
	now    func() time.Time

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

type conn struct {
	mu        sync.Mutex
	address   string
	transport sshtransport.Transport

	// Guarded by SSHDeployer.mu. inUse counts operations holding the
	// transport; lastUsed is when the last one started or finished.
	inUse    int
	lastUsed time.Time
}

var _ engine.Deployer = (*SSHDeployer)(nil)

// Option configures an SSHDeployer.
type Option func(*SSHDeployer)

// WithDialer replaces the SSH dialer.
func WithDialer(dial Dialer) Option {
	return func(d *SSHDeployer) { d.dial = dial }
}

// WithClock replaces the clock used for idle eviction.
func WithClock(now func() time.Time) Option {
	return func(d *SSHDeployer) { d.now = now }
}

// New creates an SSH deployer.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*SSHDeployer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &SSHDeployer{
		config: cfg,
		logger: logger.With().Str("component", "ssh-deployer").Logger(),
		now:    time.Now,
		conns:  make(map[string]*conn),
	}
	d.dial = d.dialSSH
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *SSHDeployer) dialSSH(ctx context.Context, cfg *sshtransport.Config) (sshtransport.Transport, error) {
	client, err := sshtransport.NewSSHClient(cfg, d.logger)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// CheckConnectivity connects to the target and runs the health check.
func (d *SSHDeployer) CheckConnectivity(ctx context.Context, target *engine.Target) error {
	t, release, err := d.acquire(ctx, target)
	if err != nil {
		return err
	}
	defer release()

	if err := t.HealthCheck(ctx); err != nil {
		d.drop(target.ID, t)
		return classify(engine.OpCheckConnectivity, "health check failed", err)
	}

	if d.config.HealthCommand != "" {
		if _, err := t.Run(ctx, d.config.HealthCommand); err != nil {
			return classify(engine.OpCheckConnectivity, "health command failed", err)
		}
	}
	return nil
}

// BackupConfig copies the active file next to itself. A target without the
// file has nothing to back up.
func (d *SSHDeployer) BackupConfig(ctx context.Context, target *engine.Target, configType string) error {
	p, err := d.profile(configType)
	if err != nil {
		return err
	}
	t, release, err := d.acquire(ctx, target)
	if err != nil {
		return err
	}
	defer release()

	exists, err := t.Exists(ctx, p.RemotePath)
	if err != nil {
		return classify(engine.OpBackupConfig, "failed to stat "+p.RemotePath, err)
	}
	if !exists {
		d.logger.Debug().
			Str("target_id", target.ID).
			Str("path", p.RemotePath).
			Msg("No active configuration to back up")
		return nil
	}

	if err := t.CopyFile(ctx, p.RemotePath, p.BackupPath()); err != nil {
		return classify(engine.OpBackupConfig, "failed to copy "+p.RemotePath, err)
	}

	d.logger.Info().
		Str("target_id", target.ID).
		Str("config_type", configType).
		Str("backup", p.BackupPath()).
		Msg("Configuration backed up")
	return nil
}

// ApplyConfig writes content to the profile path, verifies it and reloads
// the service.
func (d *SSHDeployer) ApplyConfig(ctx context.Context, target *engine.Target, configType string, content []byte) error {
	p, err := d.profile(configType)
	if err != nil {
		return err
	}
	mode, err := p.Mode()
	if err != nil {
		return engine.NewValidationError("profile %s: %v", configType, err)
	}
	t, release, err := d.acquire(ctx, target)
	if err != nil {
		return err
	}
	defer release()

	result, err := t.WriteFile(ctx, p.RemotePath, content, mode)
	if err != nil {
		return classify(engine.OpApplyConfig, "failed to write "+p.RemotePath, err)
	}

	if p.VerifyChecksum {
		sum, err := t.Checksum(ctx, p.RemotePath)
		if err != nil {
			return classify(engine.OpApplyConfig, "failed to verify "+p.RemotePath, err)
		}
		expected := sha256.Sum256(content)
		if sum != hex.EncodeToString(expected[:]) {
			return engine.NewTransientError(fmt.Sprintf("checksum mismatch on %s", p.RemotePath), nil).
				WithCode(engine.ErrCodeCollaboratorFailed).
				WithOperation(engine.OpApplyConfig)
		}
	}

	if p.ReloadCommand != "" {
		if _, err := t.Run(ctx, p.command(p.ReloadCommand)); err != nil {
			return classify(engine.OpApplyConfig, "reload failed", err)
		}
	}

	d.logger.Info().
		Str("target_id", target.ID).
		Str("config_type", configType).
		Int64("bytes", result.BytesTransferred).
		Dur("duration", result.Duration).
		Msg("Configuration applied")
	return nil
}

// ValidateDeployment runs the profile validate command.
func (d *SSHDeployer) ValidateDeployment(ctx context.Context, target *engine.Target, configType string) error {
	p, err := d.profile(configType)
	if err != nil {
		return err
	}
	if p.ValidateCommand == "" {
		return nil
	}
	t, release, err := d.acquire(ctx, target)
	if err != nil {
		return err
	}
	defer release()

	if _, err := t.Run(ctx, p.command(p.ValidateCommand)); err != nil {
		return classify(engine.OpValidateDeployment, "validate command failed", err)
	}
	return nil
}

// Close disconnects every cached connection. Calls after Close fail.
func (d *SSHDeployer) Close() error {
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[string]*conn)
	d.closed = true
	d.mu.Unlock()

	var result *multierror.Error
	for id, c := range conns {
		c.mu.Lock()
		if c.transport != nil {
			if err := c.transport.Disconnect(); err != nil {
				result = multierror.Append(result, fmt.Errorf("target %s: %w", id, err))
			}
			c.transport = nil
		}
		c.mu.Unlock()
	}
	return result.ErrorOrNil()
}

func (d *SSHDeployer) profile(configType string) (Profile, error) {
	p, ok := d.config.Profiles[configType]
	if !ok {
		return Profile{}, engine.NewValidationError("no deployment profile for config type %s", configType)
	}
	return p, nil
}

// acquire returns the cached connection of the target, dialing a new one
// when there is none, the address changed or the connection dropped. The
// connection is not evicted until release is called.
func (d *SSHDeployer) acquire(ctx context.Context, target *engine.Target) (sshtransport.Transport, func(), error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, nil, engine.NewPermanentError("deployer is closed", nil).WithCode(engine.ErrCodeCancelled)
	}
	now := d.now()
	idle := d.evictIdleLocked(now, target.ID)
	c, ok := d.conns[target.ID]
	if !ok {
		c = &conn{}
		d.conns[target.ID] = c
	}
	c.inUse++
	c.lastUsed = now
	d.mu.Unlock()

	release := func() {
		d.mu.Lock()
		c.inUse--
		c.lastUsed = d.now()
		d.mu.Unlock()
	}

	for _, t := range idle {
		_ = t.Disconnect()
	}

	t, err := d.connect(ctx, c, target)
	if err != nil {
		release()
		return nil, nil, err
	}
	return t, release, nil
}

func (d *SSHDeployer) connect(ctx context.Context, c *conn, target *engine.Target) (sshtransport.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil && c.address == target.Address && c.transport.IsConnected() {
		return c.transport, nil
	}
	if c.transport != nil {
		_ = c.transport.Disconnect()
		c.transport = nil
	}

	cfg, err := d.config.SSH.ForAddress(target.Address)
	if err != nil {
		return nil, engine.NewValidationError("target %s: %v", target.ID, err)
	}

	t, err := d.dial(ctx, cfg)
	if err != nil {
		return nil, classify(engine.OpCheckConnectivity, "failed to connect to "+target.Address, err)
	}

	d.logger.Debug().Str("target_id", target.ID).Str("address", target.Address).Msg("Connected")
	c.transport = t
	c.address = target.Address
	return t, nil
}

// evictIdleLocked removes connections unused for longer than the idle
// timeout and returns their transports for disconnecting. Connections with
// an operation in flight are never evicted. Callers hold d.mu.
func (d *SSHDeployer) evictIdleLocked(now time.Time, keep string) []sshtransport.Transport {
	if d.config.IdleTimeout <= 0 {
		return nil
	}
	var idle []sshtransport.Transport
	for id, c := range d.conns {
		if id == keep || c.inUse > 0 || now.Sub(c.lastUsed) <= d.config.IdleTimeout {
			continue
		}
		delete(d.conns, id)
		c.mu.Lock()
		if c.transport != nil {
			idle = append(idle, c.transport)
			c.transport = nil
		}
		c.mu.Unlock()
		d.logger.Debug().Str("target_id", id).Msg("Closing idle connection")
	}
	return idle
}

// drop forgets a broken connection so the next call dials again.
func (d *SSHDeployer) drop(targetID string, t sshtransport.Transport) {
	d.mu.Lock()
	c, ok := d.conns[targetID]
	d.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	c.mu.Unlock()
	_ = t.Disconnect()
}

// classify maps transport failures onto the engine error classes so the
// orchestrator retries only what can succeed on a later attempt.
func classify(op, message string, err error) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	var out *engine.EngineError
	switch {
	case sshtransport.IsAuthError(err):
		out = engine.NewPermanentError(message, err)
	case sshtransport.IsTemporary(err), errors.Is(err, context.DeadlineExceeded):
		out = engine.NewTransientError(message, err)
	default:
		out = engine.NewPermanentError(message, err)
	}
	return out.WithCode(engine.ErrCodeCollaboratorFailed).WithOperation(op)
}
