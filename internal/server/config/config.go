// Package config handles configuration for the tracker process,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the tracker.
//
// Fields:
//   - EndpointAddrGRPC: bind address of the bus and tracker gRPC services.
//   - MetricsAddr: bind address of the Prometheus endpoint; empty disables it.
//   - TrackerID: announced in Hello/Goodbye; empty picks a random id.
//   - HashAlgorithm / FragmentSize: the network parameters joiners must match.
//   - JoinTimeout / RequestWindow / DeliveryTimeout: protocol timeouts.
//   - Quorum: requestors that end a request window early; 0 waits it out.
//   - LogLevel / LogFormat: see logging.New.
type Config struct {
	EndpointAddrGRPC string
	MetricsAddr      string
	TrackerID        string
	HashAlgorithm    string
	FragmentSize     int64
	JoinTimeout      time.Duration
	RequestWindow    time.Duration
	DeliveryTimeout  time.Duration
	Quorum           int
	LogLevel         string
	LogFormat        string
}

// LoadDefaults populates Config with development defaults.
func (c *Config) LoadDefaults() {
	c.EndpointAddrGRPC = ":50051"
	c.MetricsAddr = ":9100"
	c.HashAlgorithm = "SHA256"
	c.FragmentSize = 1 << 20
	c.JoinTimeout = 5 * time.Second
	c.RequestWindow = 2 * time.Second
	c.DeliveryTimeout = 10 * time.Second
	c.Quorum = 0
	c.LogLevel = "info"
	c.LogFormat = "auto"
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
