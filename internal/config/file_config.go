package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"background-tasks/internal/models"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"bgtasks.yaml",
	"bgtasks.yml",
	"bgtasks.toml",
	".bgtasks.yaml",
	".bgtasks.yml",
	".bgtasks.toml",
}

type FileConfig struct {
	DSN      string                       `yaml:"dsn" toml:"dsn"`
	Driver   string                       `yaml:"driver" toml:"driver"`
	Run      RunFileConfig                `yaml:"run" toml:"run"`
	Schedule string                       `yaml:"schedule" toml:"schedule"`
	Metrics  MetricsFileConfig            `yaml:"metrics" toml:"metrics"`
	Services map[string]ServiceFileConfig `yaml:"services" toml:"services"`
}

type RunFileConfig struct {
	Status        string  `yaml:"status" toml:"status"`
	BunchSize     *int    `yaml:"bunch_size" toml:"bunch_size"`
	GroupCode     *string `yaml:"group_code" toml:"group_code"`
	RetentionDays *int    `yaml:"retention_days" toml:"retention_days"`
}

type MetricsFileConfig struct {
	Addr        string   `yaml:"addr" toml:"addr"`
	AuthToken   string   `yaml:"auth_token" toml:"auth_token"`
	AllowCIDRs  []string `yaml:"allow_cidrs" toml:"allow_cidrs"`
	AuthLimit   *int     `yaml:"auth_limit" toml:"auth_limit"`
	AuthWindow  string   `yaml:"auth_window" toml:"auth_window"`
	TLSCert     string   `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey      string   `yaml:"tls_key" toml:"tls_key"`
	TLSClientCA string   `yaml:"tls_client_ca" toml:"tls_client_ca"`
}

// ServiceFileConfig maps a "service.method" key to the command that runs it.
type ServiceFileConfig struct {
	Command   []string `yaml:"command" toml:"command"`
	Timeout   string   `yaml:"timeout" toml:"timeout"`
	Dir       string   `yaml:"dir" toml:"dir"`
	Env       []string `yaml:"env" toml:"env"`
	MaxOutput *int     `yaml:"max_output_bytes" toml:"max_output_bytes"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("BGTASKS_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
	}
	if fileCfg.Driver != "" {
		cfg.Driver = strings.ToLower(fileCfg.Driver)
	}

	if fileCfg.Run.Status != "" {
		status, err := models.ParseStatus(fileCfg.Run.Status)
		if err != nil {
			return fmt.Errorf("invalid run.status: %w", err)
		}
		cfg.Status = status
	}
	if fileCfg.Run.BunchSize != nil {
		cfg.BunchSize = *fileCfg.Run.BunchSize
	}
	if fileCfg.Run.GroupCode != nil {
		cfg.GroupCode = *fileCfg.Run.GroupCode
	}
	if fileCfg.Run.RetentionDays != nil {
		cfg.RetentionDays = *fileCfg.Run.RetentionDays
	}
	if fileCfg.Schedule != "" {
		cfg.Schedule = fileCfg.Schedule
	}

	if fileCfg.Metrics.Addr != "" {
		cfg.MetricsAddr = fileCfg.Metrics.Addr
	}
	if fileCfg.Metrics.AuthToken != "" {
		cfg.MetricsAuthToken = fileCfg.Metrics.AuthToken
	}
	if len(fileCfg.Metrics.AllowCIDRs) > 0 {
		cfg.MetricsAllowCIDRs = append([]string{}, fileCfg.Metrics.AllowCIDRs...)
	}
	if fileCfg.Metrics.AuthLimit != nil {
		cfg.MetricsAuthLimit = *fileCfg.Metrics.AuthLimit
	}
	if fileCfg.Metrics.AuthWindow != "" {
		parsed, err := parseDurationField("metrics.auth_window", fileCfg.Metrics.AuthWindow)
		if err != nil {
			return err
		}
		cfg.MetricsAuthWindow = parsed
	}
	if fileCfg.Metrics.TLSCert != "" {
		cfg.MetricsTLSCert = fileCfg.Metrics.TLSCert
	}
	if fileCfg.Metrics.TLSKey != "" {
		cfg.MetricsTLSKey = fileCfg.Metrics.TLSKey
	}
	if fileCfg.Metrics.TLSClientCA != "" {
		cfg.MetricsTLSClientCA = fileCfg.Metrics.TLSClientCA
	}

	if len(fileCfg.Services) > 0 && cfg.Services == nil {
		cfg.Services = make(map[string]ServiceConfig, len(fileCfg.Services))
	}
	for name, svc := range fileCfg.Services {
		bound := ServiceConfig{
			Command: append([]string{}, svc.Command...),
			Dir:     svc.Dir,
			Env:     append([]string{}, svc.Env...),
		}
		if svc.Timeout != "" {
			parsed, err := parseDurationField("services."+name+".timeout", svc.Timeout)
			if err != nil {
				return err
			}
			bound.Timeout = parsed
		}
		if svc.MaxOutput != nil {
			bound.MaxOutput = *svc.MaxOutput
		}
		cfg.Services[name] = bound
	}

	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
