package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/fragnet/internal/flagx"
)

// parseFlags populates selected tracker Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string     gRPC bind address (e.g., ":50051")
//	-m string     metrics bind address, empty disables
//	-n string     tracker id
//	-h string     hash algorithm (SHA256, SHA512, BLAKE2B256, SHA3-256)
//	-f int        fragment size, bytes
//	-j duration   join timeout (e.g., "5s")
//	-w duration   distribution request window
//	-t duration   distribution delivery timeout
//	-q int        quorum of requestors ending the window early
//	-l string     log level
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-m", "-n", "-h", "-f", "-j", "-w", "-t", "-q", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run server")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "metrics address, empty disables")
	fs.StringVar(&config.TrackerID, "n", config.TrackerID, "tracker id")
	fs.StringVar(&config.HashAlgorithm, "h", config.HashAlgorithm, "hash algorithm")
	fs.Int64Var(&config.FragmentSize, "f", config.FragmentSize, "fragment size in bytes")
	fs.DurationVar(&config.JoinTimeout, "j", config.JoinTimeout, "join timeout")
	fs.DurationVar(&config.RequestWindow, "w", config.RequestWindow, "distribution request window")
	fs.DurationVar(&config.DeliveryTimeout, "t", config.DeliveryTimeout, "distribution delivery timeout")
	fs.IntVar(&config.Quorum, "q", config.Quorum, "requestors ending the request window early, 0 disables")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
