package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/dmitrijs2005/fragnet/internal/chunker"
	"github.com/dmitrijs2005/fragnet/internal/common"
	"github.com/dmitrijs2005/fragnet/internal/filex"
	"github.com/dmitrijs2005/fragnet/internal/hashing"
)

// Status prints the peer summary and, when reachable, the tracker's.
func (a *App) Status(ctx context.Context) error {
	if peer, err := a.current(); err == nil {
		st := peer.Status()
		fmt.Fprintf(a.out, "peer %s: %s, tracker %s, %d files, %d fragments\n",
			st.ClientID, st.State, st.TrackerID, st.Files, st.Fragments)
	} else {
		fmt.Fprintf(a.out, "peer %s: %s\n", a.config.ClientID, err)
	}

	tr, err := a.client.Status(ctx)
	if err != nil {
		fmt.Fprintf(a.out, "tracker: %s\n", err)
		return nil
	}
	fmt.Fprintf(a.out, "tracker %s: %s, %d clients, %d files, %d fragments, %d queued\n",
		tr.TrackerID, tr.State, len(tr.Clients), len(tr.Files), len(tr.Fragments), tr.Queued)
	return nil
}

// Files lists the known files and how many of their fragments are local.
func (a *App) Files(context.Context) error {
	peer, err := a.current()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HASH\tSIZE\tFRAGMENTS\tLOCAL")
	for _, f := range peer.Files() {
		distinct := slices.Compact(slices.Sorted(slices.Values(f.FragmentSequence)))
		local := 0
		for _, h := range distinct {
			if peer.HasFragment(h) {
				local++
			}
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d/%d\n", f.Hash, f.Size, len(f.FragmentSequence), local, len(distinct))
	}
	return w.Flush()
}

// Fragments lists the fragments stored by this peer.
func (a *App) Fragments(context.Context) error {
	peer, err := a.current()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HASH\tSIZE")
	for _, f := range peer.Fragments() {
		fmt.Fprintf(w, "%s\t%d\n", f.Hash, f.Size)
	}
	return w.Flush()
}

// Fetch asks for a fragment and waits for a round that delivers it.
func (a *App) Fetch(ctx context.Context, hash string) error {
	peer, err := a.current()
	if err != nil {
		return err
	}
	if err := peer.RequestFragment(ctx, hash); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "fragment %s stored\n", hash)
	return nil
}

// Share splits the file at path, distributes every fragment and publishes
// the recipe.
func (a *App) Share(ctx context.Context, path string) error {
	h, err := hashing.ForAlgorithm(a.config.HashAlgorithm)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	distributed := map[string]bool{}
	sink := func(ctx context.Context, hash string, data []byte) error {
		// a repeated fragment is distributed once
		if distributed[hash] {
			return nil
		}
		endpoints, err := a.client.Distribute(ctx, hash, data)
		if err != nil {
			return err
		}
		distributed[hash] = true
		fmt.Fprintf(a.out, "fragment %s -> %v\n", hash, endpoints)
		return nil
	}

	file, err := chunker.Split(ctx, f, a.config.FragmentSize, h, sink)
	if err != nil {
		return err
	}
	if err := a.client.PublishFile(ctx, file); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "shared %s as %s (%d bytes, %d fragments)\n", path, file.Hash, file.Size, len(file.FragmentSequence))
	return nil
}

// Assemble writes the file with hash fileHash to out from local fragments.
// Nothing is written unless every fragment is present and verified.
func (a *App) Assemble(ctx context.Context, fileHash, out string) error {
	peer, err := a.current()
	if err != nil {
		return err
	}

	file, ok := peer.File(fileHash)
	if !ok {
		return fmt.Errorf("file %s: %w", fileHash, common.ErrorNotFound)
	}

	var missing []string
	for _, h := range file.FragmentSequence {
		if !peer.HasFragment(h) && !slices.Contains(missing, h) {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("file %s: %d fragments missing, fetch them first: %v", file.Hash, len(missing), missing)
	}

	var buf bytes.Buffer
	buf.Grow(int(file.Size))
	if err := chunker.Assemble(ctx, &buf, file, peer.Hasher(), peer.ReadFragment); err != nil {
		return err
	}
	if err := filex.WriteAtomic(out, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}

	fmt.Fprintf(a.out, "assembled %s into %s (%d bytes)\n", file.Hash, out, file.Size)
	return nil
}
