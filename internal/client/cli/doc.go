// Package cli provides the interactive fragnet peer.
//
// It wires configuration, fragment storage, the local catalog, the
// connection to the tracker and an interactive REPL. A background session
// keeps the peer joined: it retries the join with exponential backoff,
// rejoins when the tracker restarts and rebuilds the peer when the tracker
// connection drops.
//
// Commands:
//   - status, files, fragments: inspect the peer and the network
//   - fetch <hash>: wait for a fragment in the next round that carries it
//   - share <path>: split a file, distribute every fragment, publish the recipe
//   - assemble <fileHash> <out>: rebuild a file from local fragments
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
