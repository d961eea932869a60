package deployer

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	sshtransport "github.com/openfroyo/confdeploy/pkg/transports/ssh"
)

// PathPlaceholder is replaced by the quoted remote path in profile commands.
const PathPlaceholder = "{path}"

// DefaultBackupSuffix is appended to the remote path when a profile sets none.
const DefaultBackupSuffix = ".confdeploy.bak"

// Profile describes where a configType lives on a target and how the target
// picks up a new file.
type Profile struct {
	// RemotePath is the absolute path of the configuration file.
	RemotePath string `yaml:"remote_path" validate:"required,startswith=/"`

	// BackupSuffix names the backup copy, RemotePath + BackupSuffix.
	BackupSuffix string `yaml:"backup_suffix"`

	// ReloadCommand runs after the file is written. Empty skips the reload.
	ReloadCommand string `yaml:"reload_command"`

	// ValidateCommand must exit zero after a deployment. Empty skips validation.
	ValidateCommand string `yaml:"validate_command"`

	// FileMode is the octal permission of the written file, "0644" by default.
	FileMode string `yaml:"file_mode"`

	// VerifyChecksum compares the remote SHA256 with the pushed content.
	VerifyChecksum bool `yaml:"verify_checksum"`
}

// Mode parses FileMode.
func (p Profile) Mode() (os.FileMode, error) {
	if p.FileMode == "" {
		return 0644, nil
	}
	mode, err := strconv.ParseUint(p.FileMode, 8, 32)
	if err != nil || mode > 0777 {
		return 0, fmt.Errorf("invalid file mode %q", p.FileMode)
	}
	return os.FileMode(mode), nil
}

// BackupPath returns the path of the backup copy.
func (p Profile) BackupPath() string {
	suffix := p.BackupSuffix
	if suffix == "" {
		suffix = DefaultBackupSuffix
	}
	return p.RemotePath + suffix
}

// command expands the path placeholder of a profile command.
func (p Profile) command(cmd string) string {
	return strings.ReplaceAll(cmd, PathPlaceholder, shellQuote(p.RemotePath))
}

// Config configures the SSH deployer.
type Config struct {
	// SSH holds the connection settings shared by all targets. The host and,
	// when present, the port come from the target address.
	SSH sshtransport.Config `yaml:"ssh"`

	// HealthCommand runs during the connectivity check. Empty only checks
	// that a session can be opened.
	HealthCommand string `yaml:"health_command"`

	// IdleTimeout closes cached connections unused for longer. Zero keeps
	// them until Close.
	IdleTimeout time.Duration `yaml:"idle_timeout" validate:"gte=0"`

	// Profiles maps a configType to its profile.
	Profiles map[string]Profile `yaml:"profiles" validate:"dive"`
}

// DefaultConfig returns profiles for the monitoring stack config types.
func DefaultConfig() Config {
	ssh := sshtransport.DefaultConfig("", "confdeploy")
	return Config{
		SSH:         *ssh,
		IdleTimeout: 10 * time.Minute,
		Profiles: map[string]Profile{
			"prometheus": {
				RemotePath:      "/etc/prometheus/prometheus.yml",
				ReloadCommand:   "systemctl reload prometheus",
				ValidateCommand: "promtool check config " + PathPlaceholder,
				FileMode:        "0644",
				VerifyChecksum:  true,
			},
			"alertmanager": {
				RemotePath:      "/etc/alertmanager/alertmanager.yml",
				ReloadCommand:   "systemctl reload alertmanager",
				ValidateCommand: "amtool check-config " + PathPlaceholder,
				FileMode:        "0644",
				VerifyChecksum:  true,
			},
			"snmp_exporter": {
				RemotePath:      "/etc/snmp_exporter/snmp.yml",
				ReloadCommand:   "systemctl restart snmp_exporter",
				ValidateCommand: "systemctl is-active snmp_exporter",
				FileMode:        "0644",
			},
			"grafana": {
				RemotePath:      "/etc/grafana/provisioning/dashboards/confdeploy.json",
				ReloadCommand:   "systemctl reload grafana-server",
				ValidateCommand: "systemctl is-active grafana-server",
				FileMode:        "0640",
			},
		},
	}
}

// Validate checks the profiles and connection settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid deployer config: %w", err)
	}
	if c.SSH.User == "" {
		return fmt.Errorf("invalid deployer config: ssh user is required")
	}

	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := c.Profiles[name].Mode(); err != nil {
			return fmt.Errorf("invalid profile %s: %w", name, err)
		}
	}
	return nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
