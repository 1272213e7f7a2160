package watchdog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultChild          = "shell"
	defaultCompanion      = "overlay"
	defaultRestartFlag    = "--restart-after-crash"
	defaultLockName       = "shell-watchdog"
	defaultBackoff        = 5 * time.Second
	defaultPollInterval   = 5 * time.Second
	defaultTick           = 1 * time.Second
	defaultNormalExits    = 1
	defaultLogDir         = "logs"
	defaultSupervisorLog  = defaultLogDir + "/watchdog.log"
	defaultConfigFileName = "watchdog.yaml"
)

// Duration is a time.Duration that reads from "5s"-style strings in every
// supported config format.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds the watchdog configuration.
type Config struct {
	Child           string   `yaml:"child" json:"child" toml:"child"`
	ChildDir        string   `yaml:"childDir" json:"childDir" toml:"childDir"`
	RestartFlag     string   `yaml:"restartFlag" json:"restartFlag" toml:"restartFlag"`
	Companion       string   `yaml:"companion" json:"companion" toml:"companion"`
	LockName        string   `yaml:"lockName" json:"lockName" toml:"lockName"`
	LockDir         string   `yaml:"lockDir" json:"lockDir" toml:"lockDir"`
	Backoff         Duration `yaml:"backoff" json:"backoff" toml:"backoff"`
	PollInterval    Duration `yaml:"pollInterval" json:"pollInterval" toml:"pollInterval"`
	Tick            Duration `yaml:"tick" json:"tick" toml:"tick"`
	NormalExitLimit int      `yaml:"normalExitLimit" json:"normalExitLimit" toml:"normalExitLimit"`
	LogFile         string   `yaml:"logFile" json:"logFile" toml:"logFile"`
	ChildLogFile    string   `yaml:"childLogFile" json:"childLogFile" toml:"childLogFile"`
	LogLevel        string   `yaml:"logLevel" json:"logLevel" toml:"logLevel"`
	LogFormat       string   `yaml:"logFormat" json:"logFormat" toml:"logFormat"`
	MetricsAddr     string   `yaml:"metricsAddr" json:"metricsAddr" toml:"metricsAddr"`
	WatchBinary     bool     `yaml:"watchBinary" json:"watchBinary" toml:"watchBinary"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Child:           executableName(defaultChild),
		RestartFlag:     defaultRestartFlag,
		Companion:       executableName(defaultCompanion),
		LockName:        defaultLockName,
		Backoff:         Duration{defaultBackoff},
		PollInterval:    Duration{defaultPollInterval},
		Tick:            Duration{defaultTick},
		NormalExitLimit: defaultNormalExits,
		LogFile:         defaultSupervisorLog,
		LogLevel:        "info",
		LogFormat:       "text",
		WatchBinary:     true,
	}
}

// LoadConfig reads a yaml, json or toml config file on top of DefaultConfig.
// The format is picked from the file extension.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")) // Remove UTF-8 BOM if present

	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("failed to load config from %s: unsupported format", configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate checks that the configuration can drive a supervisor.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Child) == "" {
		errs = append(errs, errors.New("child executable name is required"))
	}
	if strings.TrimSpace(c.RestartFlag) == "" {
		errs = append(errs, errors.New("restart flag is required"))
	}
	if strings.TrimSpace(c.LockName) == "" {
		errs = append(errs, errors.New("lock name is required"))
	}
	if c.Backoff.Duration <= 0 {
		errs = append(errs, fmt.Errorf("backoff must be positive, got %s", c.Backoff.Duration))
	}
	if c.PollInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval.Duration))
	}
	if c.Tick.Duration <= 0 {
		errs = append(errs, fmt.Errorf("tick must be positive, got %s", c.Tick.Duration))
	} else if c.Tick.Duration > c.Backoff.Duration {
		errs = append(errs, fmt.Errorf("tick %s exceeds backoff %s", c.Tick.Duration, c.Backoff.Duration))
	}
	if c.NormalExitLimit < 1 {
		errs = append(errs, fmt.Errorf("normal exit limit must be at least 1, got %d", c.NormalExitLimit))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// baseDir returns the directory relative paths in the config resolve against:
// the directory holding the running executable.
func baseDir() string {
	bin, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(bin); err == nil {
		bin = resolved
	}
	return filepath.Dir(bin)
}

// resolvePath anchors p at dir unless it is already absolute.
func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
