package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
}

func TestConfigForAddress(t *testing.T) {
	base := DefaultConfig("", "deploy")
	base.Port = 2200

	tests := []struct {
		address      string
		expectedHost string
		expectedPort int
		expectError  bool
	}{
		{address: "10.0.0.1", expectedHost: "10.0.0.1", expectedPort: 2200},
		{address: "prom-1.example.com:2222", expectedHost: "prom-1.example.com", expectedPort: 2222},
		{address: "[::1]:22", expectedHost: "::1", expectedPort: 22},
		{address: "host:ssh", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			cfg, err := base.ForAddress(tt.address)
			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Host != tt.expectedHost || cfg.Port != tt.expectedPort {
				t.Errorf("expected %s:%d, got %s:%d", tt.expectedHost, tt.expectedPort, cfg.Host, cfg.Port)
			}
		})
	}

	if base.Host != "" {
		t.Error("expected ForAddress to leave the base config untouched")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 0 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			errorMsg: "password is required",
		},
		{
			name: "key auth with missing key",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			errorMsg: "private key file not found",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			errorMsg: "connection timeout must be positive",
		},
		{
			name: "unknown auth method",
			modifyFunc: func(c *Config) {
				c.AuthMethod = "kerberos"
			},
			errorMsg: "unsupported auth method",
		},
		{
			name: "proxy with missing user",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ProxyHost = "bastion.example.com"
				c.ProxyUser = ""
			},
			errorMsg: "proxy user is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "deploy")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigProxyAddress(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")
	if config.IsProxyEnabled() {
		t.Error("expected proxy to be disabled")
	}
	if address := config.ProxyAddress(); address != "" {
		t.Errorf("expected empty proxy address, got '%s'", address)
	}

	config.ProxyHost = "bastion.example.com"
	config.ProxyPort = 2222
	if !config.IsProxyEnabled() {
		t.Error("expected proxy to be enabled")
	}
	if address := config.ProxyAddress(); address != "bastion.example.com:2222" {
		t.Errorf("expected proxy address 'bastion.example.com:2222', got '%s'", address)
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "deploy")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "deploy" {
			t.Errorf("expected user 'deploy', got '%s'", clientConfig.User)
		}
		// password plus keyboard-interactive
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		keyPath := writeTestKey(t)

		config := DefaultConfig("example.com", "deploy")
		config.AuthMethod = AuthMethodKey
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("key authentication with garbage key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "broken")
		if err := os.WriteFile(keyPath, []byte("not a key"), 0600); err != nil {
			t.Fatalf("failed to write key: %v", err)
		}

		config := DefaultConfig("example.com", "deploy")
		config.PrivateKeyPath = keyPath
		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected parse error, got nil")
		}
	})

	t.Run("agent authentication without agent", func(t *testing.T) {
		t.Setenv("SSH_AUTH_SOCK", filepath.Join(t.TempDir(), "missing.sock"))

		config := DefaultConfig("example.com", "deploy")
		config.AuthMethod = AuthMethodAgent

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for unreachable agent, got nil")
		}
	})

	t.Run("strict host key checking with missing known_hosts", func(t *testing.T) {
		config := DefaultConfig("example.com", "deploy")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected known_hosts error, got nil")
		}
	})
}

// writeTestKey writes a fresh unencrypted ED25519 key and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write test key: %v", err)
	}
	return keyPath
}
