// Package chunker splits files into fixed-size fragments and puts them back
// together.
package chunker

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/fragnet/internal/common"
	"github.com/dmitrijs2005/fragnet/internal/hashing"
	"github.com/dmitrijs2005/fragnet/internal/models"
)

// ErrEmpty is returned by Split for an empty input.
var ErrEmpty = errors.New("empty input")

// Sink receives every fragment produced by Split, in order. A repeated
// fragment is passed again on each occurrence.
type Sink func(ctx context.Context, hash string, data []byte) error

// Source returns the content of a fragment.
type Source func(ctx context.Context, hash string) ([]byte, error)

// Split reads r to the end in fragmentSize chunks, hands each chunk to sink
// and returns the file recipe.
func Split(ctx context.Context, r io.Reader, fragmentSize int64, h hashing.Hasher, sink Sink) (models.FragmentedFile, error) {
	if fragmentSize <= 0 {
		return models.FragmentedFile{}, fmt.Errorf("%w: fragment size %d", common.ErrInvalidArgument, fragmentSize)
	}

	whole := h.New()
	buf := make([]byte, fragmentSize)
	file := models.FragmentedFile{}

	for {
		if err := ctx.Err(); err != nil {
			return models.FragmentedFile{}, err
		}

		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			fh := h.ComputeHash(chunk)
			if serr := sink(ctx, fh, chunk); serr != nil {
				return models.FragmentedFile{}, fmt.Errorf("fragment %d: %w", len(file.FragmentSequence), serr)
			}
			whole.Write(chunk)
			file.FragmentSequence = append(file.FragmentSequence, fh)
			file.Size += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return models.FragmentedFile{}, err
		}
	}

	if file.Size == 0 {
		return models.FragmentedFile{}, ErrEmpty
	}

	file.Hash = hex.EncodeToString(whole.Sum(nil))
	return file, nil
}

// Assemble writes the file described by file to w, reading fragments from
// src in sequence order. Every fragment and the whole file are verified
// against their hashes; on mismatch common.ErrInvalidHash is returned and w
// may hold a partial file.
func Assemble(ctx context.Context, w io.Writer, file models.FragmentedFile, h hashing.Hasher, src Source) error {
	whole := h.New()
	var written int64

	for i, fh := range file.FragmentSequence {
		data, err := src(ctx, fh)
		if err != nil {
			return fmt.Errorf("fragment %d (%s): %w", i, fh, err)
		}
		if got := h.ComputeHash(data); got != fh {
			return fmt.Errorf("%w: fragment %d is %s, want %s", common.ErrInvalidHash, i, got, fh)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		whole.Write(data)
		written += int64(len(data))
	}

	if written != file.Size {
		return fmt.Errorf("%w: assembled %d bytes, want %d", common.ErrInvalidArgument, written, file.Size)
	}
	if got := hex.EncodeToString(whole.Sum(nil)); got != file.Hash {
		return fmt.Errorf("%w: file is %s, want %s", common.ErrInvalidHash, got, file.Hash)
	}
	return nil
}
