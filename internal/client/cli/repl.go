package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// promptWriter receives confirmation prompts.
var promptWriter io.Writer = os.Stdout

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	Status(ctx context.Context) error
	Files(ctx context.Context) error
	Fragments(ctx context.Context) error
	Fetch(ctx context.Context, hash string) error
	Share(ctx context.Context, path string) error
	Assemble(ctx context.Context, fileHash, out string) error
}

const helpText = "Available commands: status, files, fragments, fetch <hash>, share <path>, assemble <fileHash> <out>, exit"

// runREPL starts a simple read–eval–print loop for the peer.
//
// It reads a line from the provided reader, parses the first token as the
// command, and dispatches to methods on 'a'. Unknown commands and missing
// arguments are reported back to the user, as are command errors. The loop
// exits on EOF, when ctx is done or when the user types "exit" or "quit".
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader) {
	for {
		if ctx.Err() != nil {
			return
		}
		printlnFn(fmt.Sprintf("fragnet %s> ", statusFn()))
		line, err := reader.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		err = nil
		switch cmd {
		case "help":
			printlnFn(helpText)

		case "status":
			err = a.Status(ctx)

		case "files":
			err = a.Files(ctx)

		case "fragments":
			err = a.Fragments(ctx)

		case "fetch":
			if len(args) != 1 {
				printlnFn("Usage: fetch <hash>")
				continue
			}
			err = a.Fetch(ctx, args[0])

		case "share":
			if len(args) != 1 {
				printlnFn("Usage: share <path>")
				continue
			}
			err = a.Share(ctx, args[0])

		case "assemble":
			if len(args) != 2 {
				printlnFn("Usage: assemble <fileHash> <out>")
				continue
			}
			if !confirmOverwrite(reader, args[1]) {
				printlnFn("Assemble cancelled")
				continue
			}
			err = a.Assemble(ctx, args[0], args[1])

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}

		if err != nil {
			printlnFn("Error:", err)
		}
	}
}

// confirmOverwrite asks before an existing output file is replaced. A path
// that does not exist needs no confirmation.
func confirmOverwrite(reader *bufio.Reader, path string) bool {
	if _, err := os.Stat(path); err != nil {
		return true
	}
	answer, err := GetSimpleText(reader, fmt.Sprintf("%s exists, overwrite? [y/N]", path), promptWriter)
	if err != nil {
		return false
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true
	}
	return false
}
