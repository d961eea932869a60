package ssh

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/confdeploy/pkg/transports/ssh/sshtest"
)

func newTestClient(t *testing.T, server *sshtest.Server) *SSHClient {
	t.Helper()

	config := DefaultConfig(server.Host(), sshtest.User)
	config.Port = server.Port()
	config.AuthMethod = AuthMethodPassword
	config.Password = sshtest.Password
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	client, err := NewSSHClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestSSHClientConnect(t *testing.T) {
	server := sshtest.NewServer(t)
	client := newTestClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	info := client.ConnectionInfo()
	if info.Host != server.Host() {
		t.Errorf("expected host '%s', got '%s'", server.Host(), info.Host)
	}
	if info.User != sshtest.User {
		t.Errorf("expected user '%s', got '%s'", sshtest.User, info.User)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected connected time to be set")
	}

	// A second connect on a healthy connection is a no-op.
	connectedAt := info.ConnectedAt
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	if !client.ConnectionInfo().ConnectedAt.Equal(connectedAt) {
		t.Error("expected existing connection to be reused")
	}
}

func TestSSHClientConnectBadPassword(t *testing.T) {
	server := sshtest.NewServer(t)

	config := DefaultConfig(server.Host(), sshtest.User)
	config.Port = server.Port()
	config.AuthMethod = AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false

	client, err := NewSSHClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	if !IsAuthError(err) {
		t.Errorf("expected auth error, got %v", err)
	}
	if IsTemporary(err) {
		t.Error("expected auth error not to be temporary")
	}
}

func TestSSHClientConnectRefused(t *testing.T) {
	server := sshtest.NewServer(t)
	host, port := server.Host(), server.Port()
	server.Close()

	config := DefaultConfig(host, sshtest.User)
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = sshtest.Password
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = time.Second

	client, err := NewSSHClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !IsTemporary(err) {
		t.Errorf("expected temporary error, got %v", err)
	}
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	server := sshtest.NewServer(t)

	config := DefaultConfig(server.Host(), sshtest.User)
	config.Port = server.Port()
	config.PrivateKeyPath = writeTestKey(t)
	config.StrictHostKeyChecking = false

	client, err := NewSSHClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key: %v", err)
	}
	defer client.Disconnect()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestSSHClientHealthCheckAndDisconnect(t *testing.T) {
	server := sshtest.NewServer(t)
	client := newTestClient(t, server)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after disconnect")
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("expected second disconnect to be a no-op, got %v", err)
	}
}

func TestSSHClientRun(t *testing.T) {
	server := sshtest.NewServer(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	tests := []struct {
		name           string
		command        string
		expectError    bool
		expectedStdout string
		expectedStderr string
		expectedCode   int
	}{
		{name: "simple echo", command: "echo test", expectedStdout: "test"},
		{name: "stderr output", command: "echo error >&2", expectedStderr: "error"},
		{name: "exit with error", command: "echo broken >&2; exit 3", expectError: true, expectedStderr: "broken", expectedCode: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Run(ctx, tt.command)
			if tt.expectError != (err != nil) {
				t.Fatalf("expected error=%v, got %v", tt.expectError, err)
			}
			if result.Stdout != tt.expectedStdout {
				t.Errorf("expected stdout '%s', got '%s'", tt.expectedStdout, result.Stdout)
			}
			if result.Stderr != tt.expectedStderr {
				t.Errorf("expected stderr '%s', got '%s'", tt.expectedStderr, result.Stderr)
			}
			if result.ExitCode != tt.expectedCode {
				t.Errorf("expected exit code %d, got %d", tt.expectedCode, result.ExitCode)
			}
			if err != nil {
				if IsTemporary(err) {
					t.Error("expected non-zero exit not to be temporary")
				}
				if !strings.Contains(err.Error(), "broken") {
					t.Errorf("expected stderr in error, got %v", err)
				}
			}
		})
	}
}

func TestSSHClientRunTimeout(t *testing.T) {
	server := sshtest.NewServer(t)
	client := newTestClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Run(ctx, "sleep 2")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("expected run to return at the deadline, took %v", time.Since(start))
	}
	if !IsTemporary(err) {
		t.Errorf("expected timeout to be temporary, got %v", err)
	}
}

func TestSSHClientFiles(t *testing.T) {
	server := sshtest.NewServer(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	dir := t.TempDir()
	target := filepath.Join(dir, "etc", "prometheus", "prometheus.yml")
	content := []byte("global:\n  scrape_interval: 15s\n")

	exists, err := client.Exists(ctx, target)
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if exists {
		t.Error("expected file not to exist yet")
	}

	result, err := client.WriteFile(ctx, target, content, 0640)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if result.BytesTransferred != int64(len(content)) {
		t.Errorf("expected %d bytes transferred, got %d", len(content), result.BytesTransferred)
	}

	onDisk, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("failed to read written file: %v", err)
	}
	if string(onDisk) != string(content) {
		t.Errorf("expected content %q, got %q", content, onDisk)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("expected mode 0640, got %v", info.Mode().Perm())
	}
	if _, err := os.Stat(target + ".confdeploy-tmp"); !os.IsNotExist(err) {
		t.Error("expected temporary file to be renamed away")
	}

	read, err := client.ReadFile(ctx, target)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(read) != string(content) {
		t.Errorf("expected read content %q, got %q", content, read)
	}

	backup := target + ".bak"
	if err := client.CopyFile(ctx, target, backup); err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	copied, err := os.ReadFile(backup)
	if err != nil || string(copied) != string(content) {
		t.Errorf("expected backup to match original, got %q (%v)", copied, err)
	}

	if _, err := client.WriteFile(ctx, target, []byte("replaced\n"), 0644); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	onDisk, _ = os.ReadFile(target)
	if string(onDisk) != "replaced\n" {
		t.Errorf("expected overwritten content, got %q", onDisk)
	}

	if _, err := client.ReadFile(ctx, filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error reading missing file")
	}
}

func TestSSHClientChecksum(t *testing.T) {
	server := sshtest.NewServer(t)
	client := newTestClient(t, server)

	path := filepath.Join(t.TempDir(), "it's quoted.txt")
	if err := os.WriteFile(path, []byte("abc"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	sum, err := client.Checksum(context.Background(), path)
	if err != nil {
		t.Fatalf("checksum failed: %v", err)
	}
	expected := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if sum != expected {
		t.Errorf("expected checksum %s, got %s", expected, sum)
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"/etc/prometheus.yml": "'/etc/prometheus.yml'",
		"it's":                `'it'\''s'`,
		"":                    "''",
	}
	for in, expected := range tests {
		if got := shellQuote(in); got != expected {
			t.Errorf("expected %s, got %s", expected, got)
		}
	}
}
