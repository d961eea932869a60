package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// Config holds SSH connection configuration. Host is set per target; every
// other field is shared by all targets of a deployer.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `yaml:"-"`

	// Port is the SSH port (default: 22)
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	// User is the SSH username
	User string `yaml:"user"`

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod `yaml:"auth_method" validate:"omitempty,oneof=password key agent"`

	// Password for password-based authentication
	Password string `yaml:"password"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `yaml:"private_key_path"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `yaml:"private_key_passphrase"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `yaml:"known_hosts_path"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking"`

	// ConnectionTimeout bounds dialing and the SSH handshake
	ConnectionTimeout time.Duration `yaml:"connection_timeout" validate:"gte=0"`

	// CommandTimeout bounds a remote command when the caller sets no deadline
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gte=0"`

	// KeepAliveInterval is the interval for sending keep-alive messages.
	// Zero disables keep-alive.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" validate:"gte=0"`

	// MaxKeepAliveRetries is the number of failed keep-alives before the
	// connection is considered dead
	MaxKeepAliveRetries int `yaml:"max_keep_alive_retries" validate:"gte=0"`

	// ProxyHost is the hostname of a jump host (optional)
	ProxyHost string `yaml:"proxy_host"`

	// ProxyPort is the port of the jump host
	ProxyPort int `yaml:"proxy_port" validate:"gte=0,lte=65535"`

	// ProxyUser is the username on the jump host
	ProxyUser string `yaml:"proxy_user"`

	// ProxyAuthMethod is the authentication method for the jump host
	ProxyAuthMethod AuthMethod `yaml:"proxy_auth_method" validate:"omitempty,oneof=password key agent"`

	// ProxyPassword is the password for jump host authentication
	ProxyPassword string `yaml:"proxy_password"`

	// ProxyPrivateKeyPath is the path to the jump host private key
	ProxyPrivateKeyPath string `yaml:"proxy_private_key_path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        5 * time.Minute,
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

// ForAddress returns a copy of the config pointed at address, which is either
// a bare host or host:port. A port in the address overrides c.Port.
func (c *Config) ForAddress(address string) (*Config, error) {
	out := *c
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		out.Host = address
		if out.Port == 0 {
			out.Port = 22
		}
		return &out, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in address %q: %w", address, err)
	}
	out.Host = host
	out.Port = port
	return &out, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKeyPath()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("agent authentication requires SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.CommandTimeout < 0 {
		return fmt.Errorf("command timeout must not be negative")
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}

	return nil
}

func defaultKeyPath() string {
	homeDir := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyPath := filepath.Join(homeDir, ".ssh", name)
		if _, err := os.Stat(keyPath); err == nil {
			return keyPath
		}
	}
	return ""
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := authMethods(c.AuthMethod, c.Password, c.PrivateKeyPath, c.PrivateKeyPassphrase)
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// proxyConfig returns the connection settings of the jump host.
func (c *Config) proxyConfig() *Config {
	return &Config{
		Host:                  c.ProxyHost,
		Port:                  c.ProxyPort,
		User:                  c.ProxyUser,
		AuthMethod:            c.ProxyAuthMethod,
		Password:              c.ProxyPassword,
		PrivateKeyPath:        c.ProxyPrivateKeyPath,
		ConnectionTimeout:     c.ConnectionTimeout,
		StrictHostKeyChecking: c.StrictHostKeyChecking,
		KnownHostsPath:        c.KnownHostsPath,
	}
}

func authMethods(method AuthMethod, password, keyPath, passphrase string) ([]ssh.AuthMethod, error) {
	switch method {
	case AuthMethodPassword:
		// Many servers only offer keyboard-interactive for password prompts.
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}

	return nil, fmt.Errorf("unsupported auth method: %s", method)
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyAddress returns the formatted proxy address (host:port).
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// IsProxyEnabled returns true if a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}
