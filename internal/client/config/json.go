package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/fragnet/internal/flagx"
	"github.com/dmitrijs2005/fragnet/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
// It relies on timex.Duration so JSON can specify timeouts either as
// strings like "3s" or as integer nanoseconds. Absent keys leave the
// runtime Config untouched.
type JsonConfig struct {
	TrackerAddr     string          `json:"tracker_addr"`
	ClientID        string          `json:"client_id"`
	Endpoints       []string        `json:"endpoints"`
	HashAlgorithm   string          `json:"hash_algorithm"`
	FragmentSize    int64           `json:"fragment_size"`
	StorageDriver   string          `json:"storage_driver"`
	StorageDir      string          `json:"storage_dir"`
	StorageCapacity int64           `json:"storage_capacity"`
	S3User          string          `json:"s3_user"`
	S3Password      string          `json:"s3_password"`
	S3Bucket        string          `json:"s3_bucket"`
	S3Region        string          `json:"s3_region"`
	S3Endpoint      string          `json:"s3_endpoint"`
	CatalogDriver   string          `json:"catalog_driver"`
	CatalogDSN      string          `json:"catalog_dsn"`
	JoinTimeout     *timex.Duration `json:"join_timeout"`
	DeliveryTimeout *timex.Duration `json:"delivery_timeout"`
	LogLevel        string          `json:"log_level"`
	LogFormat       string          `json:"log_format"`
}

// parseJson overlays Config with values loaded from a JSON file.
//
// The file path comes from -c or -config, falling back to $FRAGNET_CONFIG.
// If empty, no JSON is loaded. Read or unmarshal errors panic.
func parseJson(cfg *Config) {
	// Resolve file path from flags.
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	jc.apply(cfg)
}

func (jc *JsonConfig) apply(cfg *Config) {
	setString(&cfg.TrackerAddr, jc.TrackerAddr)
	setString(&cfg.ClientID, jc.ClientID)
	setString(&cfg.HashAlgorithm, jc.HashAlgorithm)
	setString(&cfg.StorageDriver, jc.StorageDriver)
	setString(&cfg.StorageDir, jc.StorageDir)
	setString(&cfg.S3User, jc.S3User)
	setString(&cfg.S3Password, jc.S3Password)
	setString(&cfg.S3Bucket, jc.S3Bucket)
	setString(&cfg.S3Region, jc.S3Region)
	setString(&cfg.S3Endpoint, jc.S3Endpoint)
	setString(&cfg.CatalogDriver, jc.CatalogDriver)
	setString(&cfg.CatalogDSN, jc.CatalogDSN)
	setString(&cfg.LogLevel, jc.LogLevel)
	setString(&cfg.LogFormat, jc.LogFormat)

	if jc.Endpoints != nil {
		cfg.Endpoints = jc.Endpoints
	}
	if jc.FragmentSize != 0 {
		cfg.FragmentSize = jc.FragmentSize
	}
	if jc.StorageCapacity != 0 {
		cfg.StorageCapacity = jc.StorageCapacity
	}
	if jc.JoinTimeout != nil {
		cfg.JoinTimeout = jc.JoinTimeout.Duration
	}
	if jc.DeliveryTimeout != nil {
		cfg.DeliveryTimeout = jc.DeliveryTimeout.Duration
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
