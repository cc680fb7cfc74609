package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/fragnet/internal/flagx"
	"github.com/dmitrijs2005/fragnet/internal/timex"
)

// JsonConfig is the DTO read from the JSON config file. Durations accept
// both strings such as "5s" and integer nanoseconds. Keys that are absent
// keep the value already in Config.
type JsonConfig struct {
	EndpointAddrGRPC string          `json:"endpoint_addr_grpc"`
	MetricsAddr      *string         `json:"metrics_addr"`
	TrackerID        string          `json:"tracker_id"`
	HashAlgorithm    string          `json:"hash_algorithm"`
	FragmentSize     int64           `json:"fragment_size"`
	JoinTimeout      *timex.Duration `json:"join_timeout"`
	RequestWindow    *timex.Duration `json:"request_window"`
	DeliveryTimeout  *timex.Duration `json:"delivery_timeout"`
	Quorum           *int            `json:"quorum"`
	LogLevel         string          `json:"log_level"`
	LogFormat        string          `json:"log_format"`
}

// parseJson loads configuration values from the JSON file named by -c,
// -config or $FRAGNET_CONFIG into config. Without a path nothing is loaded.
// If the file cannot be read or contains invalid JSON, the function panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	c.apply(config)
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	if c.MetricsAddr != nil {
		config.MetricsAddr = *c.MetricsAddr
	}
	setString(&config.TrackerID, c.TrackerID)
	setString(&config.HashAlgorithm, c.HashAlgorithm)
	if c.FragmentSize != 0 {
		config.FragmentSize = c.FragmentSize
	}
	if c.JoinTimeout != nil {
		config.JoinTimeout = c.JoinTimeout.Duration
	}
	if c.RequestWindow != nil {
		config.RequestWindow = c.RequestWindow.Duration
	}
	if c.DeliveryTimeout != nil {
		config.DeliveryTimeout = c.DeliveryTimeout.Duration
	}
	if c.Quorum != nil {
		config.Quorum = *c.Quorum
	}
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.LogFormat, c.LogFormat)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
