// Package digest computes content fingerprints of transferred files.
//
// A digest is a lowercase hexadecimal string. Two digests are equal only if
// the strings are byte for byte identical.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"

	"golang.org/x/crypto/blake2b"
)

var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

// Func creates the hash used to fingerprint a byte stream.
type Func func() hash.Hash

const (
	SHA256  = "sha256"
	BLAKE2b = "blake2b"
)

// Default is used when no algorithm is configured.
const Default = SHA256

var algorithms = map[string]Func{
	SHA256: sha256.New,
	BLAKE2b: func() hash.Hash {
		// only fails for an invalid key, and there is none
		h, _ := blake2b.New256(nil)
		return h
	},
}

// Lookup returns the digest function registered under name.
func Lookup(name string) (Func, error) {
	fn, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return fn, nil
}

// Names lists the supported algorithm names.
func Names() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reader fingerprints everything r yields.
func Reader(fn Func, r io.Reader) (string, error) {
	h := fn()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("error while hashing: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Bytes fingerprints data.
func Bytes(fn Func, data []byte) string {
	h := fn()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// File fingerprints the content of the file at path.
func File(fn Func, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("error while opening file: %w", err)
	}
	defer f.Close()
	return Reader(fn, f)
}
