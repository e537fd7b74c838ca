package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EndpointConfig holds configuration for a fabric RPC endpoint process.
type EndpointConfig struct {
	RPCID           uint8
	PhyPort         uint8
	Mode            string // "infiniband" or "roce"
	SessionAddr     string
	LogLevel        string
	OtelEnabled     bool
	OtelCollector   string
	ProbeWrID       uint64
	ProbeErrno      int
	SessionRateHz   int
	SessionRetryMax int
}

// LoadEndpointConfig loads endpoint configuration from a file or environment
// variables.
func LoadEndpointConfig(configPath string) (*EndpointConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("rpc_id", 0)
	v.SetDefault("phy_port", 0)
	v.SetDefault("mode", "infiniband")
	v.SetDefault("session_addr", "0.0.0.0:31850")
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_collector_addr", "localhost:4317")
	v.SetDefault("probe_wr_id", 0) // 0 selects the built-in sentinel
	v.SetDefault("probe_errno", 0) // 0 selects the built-in sentinel
	v.SetDefault("session_rate_hz", 10)
	v.SetDefault("session_retry_max", 50)

	// Environment variables
	v.SetEnvPrefix("FABRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("endpoint")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.fabrpc")
		v.AddConfigPath("/etc/fabrpc")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	rpcID := v.GetUint32("rpc_id")
	if rpcID > 255 {
		return nil, fmt.Errorf("rpc_id must be 0-255, got %d", rpcID)
	}
	phyPort := v.GetUint32("phy_port")
	if phyPort > 255 {
		return nil, fmt.Errorf("phy_port must be 0-255, got %d", phyPort)
	}

	var config EndpointConfig
	config.RPCID = uint8(rpcID)
	config.PhyPort = uint8(phyPort)
	config.Mode = v.GetString("mode")
	config.SessionAddr = v.GetString("session_addr")
	config.LogLevel = v.GetString("log_level")
	config.OtelEnabled = v.GetBool("otel_enabled")
	config.OtelCollector = v.GetString("otel_collector_addr")
	config.ProbeWrID = v.GetUint64("probe_wr_id")
	config.ProbeErrno = v.GetInt("probe_errno")
	config.SessionRateHz = v.GetInt("session_rate_hz")
	config.SessionRetryMax = v.GetInt("session_retry_max")

	switch config.Mode {
	case "infiniband", "roce":
	default:
		return nil, fmt.Errorf("mode must be 'infiniband' or 'roce', got %q", config.Mode)
	}

	return &config, nil
}

// CreateDefaultEndpointConfig writes a default endpoint configuration file.
func CreateDefaultEndpointConfig(path string) error {
	configContent := `# fabrpc endpoint configuration
rpc_id: 0
phy_port: 0 # Nth active fabric port across all devices
mode: "infiniband" # infiniband or roce
session_addr: "0.0.0.0:31850" # UDP socket for routing-info exchange
log_level: "info" # debug, info, warn, error
otel_enabled: false
otel_collector_addr: "localhost:4317"
probe_wr_id: 0 # 0 uses the built-in driver probe sentinel
probe_errno: 0 # 0 uses the built-in driver probe sentinel
session_rate_hz: 10 # routing-request retry rate
session_retry_max: 50
`

	return writeConfigFile(path, configContent)
}
