// Package config holds the client configuration, layered the usual way:
// built-in defaults, then environment, then the yaml config file, then flags.
package config

import (
	"flag"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	corecfg "github.com/camkit/camlink/core/config"
)

// ClientConfig holds configuration for the camera client.
type ClientConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	ReconnectCmd   string        `yaml:"reconnect_cmd"`
	StatusAddr     string        `yaml:"status_addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	LiveviewBudget time.Duration `yaml:"liveview_budget"`
	AwaitTimeout   time.Duration `yaml:"await_timeout"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
}

// BindFlags seeds the config from environment variables and registers the
// corresponding flags.
func (c *ClientConfig) BindFlags() {
	c.ConfigFile = corecfg.GetEnv("CONFIG_FILE", corecfg.DefaultConfigPath("client.yaml"))
	c.LogLevel = corecfg.GetEnv("CAMLINK_LOG", "info")
	c.Endpoint = corecfg.GetEnv("CAMLINK_ENDPOINT", "")
	c.ReconnectCmd = corecfg.GetEnv("CAMLINK_RECONNECT_CMD", "")
	c.StatusAddr = corecfg.GetEnv("CAMLINK_STATUS_ADDR", "")
	c.MetricsAddr = corecfg.GetEnv("CAMLINK_METRICS_ADDR", "")
	if d, err := time.ParseDuration(corecfg.GetEnv("CAMLINK_LIVEVIEW_BUDGET", "0")); err == nil {
		c.LiveviewBudget = d
	}
	if d, err := time.ParseDuration(corecfg.GetEnv("CAMLINK_AWAIT_TIMEOUT", "30s")); err == nil {
		c.AwaitTimeout = d
	} else {
		c.AwaitTimeout = 30 * time.Second
	}

	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "path to the yaml config file")
	flag.StringVar(&c.Endpoint, "endpoint", c.Endpoint, "camera control endpoint base URL (e.g. http://192.168.122.1:8080/sony); discovered when empty")
	flag.StringVar(&c.ReconnectCmd, "reconnect-cmd", c.ReconnectCmd, "shell command that restores the network link to the camera (e.g. re-associates Wi-Fi)")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "local status HTTP listen address (enables /status; e.g. 127.0.0.1:4560)")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus metrics listen address (disabled when empty)")
	flag.DurationVar(&c.LiveviewBudget, "liveview-budget", c.LiveviewBudget, "time budget for a liveview session; 0 streams until interrupted")
	flag.DurationVar(&c.AwaitTimeout, "await-timeout", c.AwaitTimeout, "deadline for waiting on device state changes")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (trace, debug, info, warn, error)")
}

// Load merges values from the yaml config file, if present. Flag values set
// on the command line win; call after flag.Parse with the set of explicitly
// provided flag names.
func (c *ClientConfig) Load(explicit map[string]bool) error {
	b, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var file ClientConfig
	if err := yaml.Unmarshal(b, &file); err != nil {
		return err
	}
	merge := func(name string, dst *string, v string) {
		if v != "" && !explicit[name] {
			*dst = v
		}
	}
	merge("endpoint", &c.Endpoint, file.Endpoint)
	merge("reconnect-cmd", &c.ReconnectCmd, file.ReconnectCmd)
	merge("status-addr", &c.StatusAddr, file.StatusAddr)
	merge("metrics-addr", &c.MetricsAddr, file.MetricsAddr)
	merge("log-level", &c.LogLevel, file.LogLevel)
	if file.LiveviewBudget > 0 && !explicit["liveview-budget"] {
		c.LiveviewBudget = file.LiveviewBudget
	}
	if file.AwaitTimeout > 0 && !explicit["await-timeout"] {
		c.AwaitTimeout = file.AwaitTimeout
	}
	return nil
}
