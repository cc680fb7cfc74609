// Package config handles configuration for the peer process.
package config

import "time"

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageDisk   = "disk"
	StorageS3     = "s3"
)

// Config holds runtime settings for a peer.
//
// Fields:
//   - TrackerAddr: host:port of the tracker gRPC endpoint.
//   - ClientID: peer identity; empty picks a random id.
//   - Endpoints: addresses this peer is reachable at, announced on join.
//   - HashAlgorithm / FragmentSize: must match the tracker's.
//   - StorageDriver: memory, disk or s3. StorageDir is used by disk.
//   - StorageCapacity: bytes the peer is willing to store.
//   - S3*: bucket access for the s3 driver.
//   - CatalogDriver / CatalogDSN: see catalog.Open.
//   - JoinTimeout / DeliveryTimeout: protocol timeouts.
type Config struct {
	TrackerAddr     string
	ClientID        string
	Endpoints       []string
	HashAlgorithm   string
	FragmentSize    int64
	StorageDriver   string
	StorageDir      string
	StorageCapacity int64
	S3User          string
	S3Password      string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	CatalogDriver   string
	CatalogDSN      string
	JoinTimeout     time.Duration
	DeliveryTimeout time.Duration
	LogLevel        string
	LogFormat       string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.TrackerAddr = "127.0.0.1:50051"
	c.HashAlgorithm = "SHA256"
	c.FragmentSize = 1 << 20
	c.StorageDriver = StorageMemory
	c.StorageDir = "fragments"
	c.StorageCapacity = 1 << 30
	c.S3Region = "us-east-1"
	c.S3Bucket = "fragnet"
	c.CatalogDriver = "memory"
	c.JoinTimeout = 5 * time.Second
	c.DeliveryTimeout = 15 * time.Second
	c.LogLevel = "info"
	c.LogFormat = "auto"
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
