package config

import (
	"flag"
	"os"
	"strings"

	"github.com/dmitrijs2005/fragnet/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string     tracker address and port
//	-i string     client id
//	-e string     comma-separated endpoints
//	-h string     hash algorithm
//	-f int        fragment size, bytes
//	-s string     storage driver (memory, disk, s3)
//	-d string     storage directory
//	-k int        storage capacity, bytes
//	-u, -p, -b, -g, -x string   S3 user, password, bucket, region, endpoint
//	-C string     catalog driver (memory, sqlite, postgres)
//	-D string     catalog DSN
//	-j duration   join timeout
//	-t duration   fragment delivery timeout
//	-l string     log level
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	// Filter args to include only those handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{
		"-a", "-i", "-e", "-h", "-f", "-s", "-d", "-k",
		"-u", "-p", "-b", "-g", "-x", "-C", "-D", "-j", "-t", "-l",
	})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	endpoints := strings.Join(cfg.Endpoints, ",")

	fs.StringVar(&cfg.TrackerAddr, "a", cfg.TrackerAddr, "address and port to access tracker")
	fs.StringVar(&cfg.ClientID, "i", cfg.ClientID, "client id")
	fs.StringVar(&endpoints, "e", endpoints, "comma-separated endpoints")
	fs.StringVar(&cfg.HashAlgorithm, "h", cfg.HashAlgorithm, "hash algorithm")
	fs.Int64Var(&cfg.FragmentSize, "f", cfg.FragmentSize, "fragment size in bytes")
	fs.StringVar(&cfg.StorageDriver, "s", cfg.StorageDriver, "storage driver: memory, disk or s3")
	fs.StringVar(&cfg.StorageDir, "d", cfg.StorageDir, "storage directory")
	fs.Int64Var(&cfg.StorageCapacity, "k", cfg.StorageCapacity, "storage capacity in bytes")
	fs.StringVar(&cfg.S3User, "u", cfg.S3User, "S3 user")
	fs.StringVar(&cfg.S3Password, "p", cfg.S3Password, "S3 password")
	fs.StringVar(&cfg.S3Bucket, "b", cfg.S3Bucket, "S3 bucket")
	fs.StringVar(&cfg.S3Region, "g", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3Endpoint, "x", cfg.S3Endpoint, "S3 endpoint")
	fs.StringVar(&cfg.CatalogDriver, "C", cfg.CatalogDriver, "catalog driver: memory, sqlite or postgres")
	fs.StringVar(&cfg.CatalogDSN, "D", cfg.CatalogDSN, "catalog DSN")
	fs.DurationVar(&cfg.JoinTimeout, "j", cfg.JoinTimeout, "join timeout")
	fs.DurationVar(&cfg.DeliveryTimeout, "t", cfg.DeliveryTimeout, "fragment delivery timeout")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.Endpoints = splitList(endpoints)
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
