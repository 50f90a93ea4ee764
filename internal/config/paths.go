package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// AppName names the per-user directories under the XDG base directories.
const AppName = "sspdesk"

// Paths contains the resolved on-disk locations used by the application
type Paths struct {
	DataDir    string
	LogsDir    string
	ConfigFile string
}

// DefaultDataDir returns $XDG_DATA_HOME/sspdesk
func DefaultDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// ConfigFile returns $XDG_CONFIG_HOME/sspdesk/config.yaml
func ConfigFile() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// resolvePaths fills in directory defaults and makes relative paths absolute
func (c *Config) resolvePaths() error {
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = DefaultDataDir()
	}
	dataDir, err := filepath.Abs(c.Paths.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data dir %q: %w", c.Paths.DataDir, err)
	}
	c.Paths.DataDir = dataDir

	if c.Paths.LogsDir == "" {
		c.Paths.LogsDir = filepath.Join(xdg.StateHome, AppName, "logs")
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join(c.Paths.LogsDir, "sspdesk.log")
	}
	return nil
}

// Resolved returns the concrete paths for this configuration
func (c *Config) Resolved() Paths {
	return Paths{
		DataDir:    c.Paths.DataDir,
		LogsDir:    c.Paths.LogsDir,
		ConfigFile: ConfigFile(),
	}
}

// EnsureDirectories creates the data and log directories with owner-only
// permissions.
func (p Paths) EnsureDirectories() error {
	for _, dir := range []string{p.DataDir, p.LogsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LogPathResolution logs the resolved paths at debug level
func (p Paths) LogPathResolution(logger *slog.Logger) {
	logger.Debug("resolved application paths",
		slog.String("data_dir", p.DataDir),
		slog.String("logs_dir", p.LogsDir),
		slog.String("config_file", p.ConfigFile))
}
