// Package hashing computes and normalizes the content hashes that identify
// files and fragments. Every hash the protocol compares is in normalized
// form: lowercase hex of the algorithm's digest length.
package hashing

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/dmitrijs2005/fragnet/internal/common"
)

// Algorithm names as they travel in JoinRequested and Hello.
const (
	SHA256     = "SHA256"
	SHA512     = "SHA512"
	BLAKE2B256 = "BLAKE2B256"
	SHA3256    = "SHA3-256"
)

// Hasher is the hashing collaborator used by both state machines.
type Hasher interface {
	Algorithm() string
	// New returns a streaming digest; hex-encode its Sum for a hash string.
	New() hash.Hash
	ComputeHash(data []byte) string
	// ComputeReader hashes everything read from r.
	ComputeReader(r io.Reader) (string, error)
	// Validate reports whether s is a well-formed digest in any letter case.
	Validate(s string) bool
	// Normalize returns the canonical form of s or common.ErrInvalidHash.
	Normalize(s string) (string, error)
}

type digestHasher struct {
	name    string
	size    int
	newHash func() hash.Hash
}

var algorithms = map[string]*digestHasher{
	SHA256:     {name: SHA256, size: sha256.Size, newHash: sha256.New},
	SHA512:     {name: SHA512, size: sha512.Size, newHash: sha512.New},
	BLAKE2B256: {name: BLAKE2B256, size: blake2b.Size256, newHash: newBlake2b256},
	SHA3256:    {name: SHA3256, size: 32, newHash: sha3.New256},
}

func newBlake2b256() hash.Hash {
	// only fails for an oversized key
	h, _ := blake2b.New256(nil)
	return h
}

// ForAlgorithm looks an algorithm up by name, ignoring case and dashes.
func ForAlgorithm(name string) (Hasher, error) {
	key := canonicalName(name)
	for k, h := range algorithms {
		if canonicalName(k) == key {
			return h, nil
		}
	}
	return nil, fmt.Errorf("unsupported hash algorithm %q", name)
}

// MustForAlgorithm is ForAlgorithm for names known at compile time.
func MustForAlgorithm(name string) Hasher {
	h, err := ForAlgorithm(name)
	if err != nil {
		panic(err)
	}
	return h
}

// Algorithms lists the supported algorithm names, sorted.
func Algorithms() []string {
	out := make([]string, 0, len(algorithms))
	for k := range algorithms {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SameAlgorithm compares two algorithm names the way ForAlgorithm matches them.
func SameAlgorithm(a, b string) bool {
	return canonicalName(a) == canonicalName(b)
}

func canonicalName(s string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "")
}

func (h *digestHasher) Algorithm() string { return h.name }

func (h *digestHasher) New() hash.Hash { return h.newHash() }

func (h *digestHasher) ComputeHash(data []byte) string {
	d := h.newHash()
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil))
}

func (h *digestHasher) ComputeReader(r io.Reader) (string, error) {
	d := h.newHash()
	if _, err := io.Copy(d, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

func (h *digestHasher) Validate(s string) bool {
	if len(s) != h.size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func (h *digestHasher) Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !h.Validate(s) {
		return "", fmt.Errorf("%w: %q is not a %s digest", common.ErrInvalidHash, s, h.name)
	}
	return strings.ToLower(s), nil
}
