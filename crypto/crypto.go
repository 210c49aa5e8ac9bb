// Package crypto provides the content fingerprint used to correlate resumable
// uploads, as well as API key generation and comparison.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

const (
	// FingerprintLenBytes is the length of the raw content fingerprint (BLAKE2b-256)
	FingerprintLenBytes = 32

	// APIKeyLenBytes is the length of the raw key material in a generated API key
	APIKeyLenBytes = 24
)

// Fingerprint reads all of r and returns the lowercase hex BLAKE2b-256 digest of its
// contents. The fingerprint identifies a file's content across client and server; two
// files with the same fingerprint and size are treated as the same upload.
func Fingerprint(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FingerprintWriter hashes everything written to it, in addition to passing the bytes
// through to the underlying writer. This allows fingerprinting a file while copying it.
type FingerprintWriter struct {
	h hash.Hash
	w io.Writer
}

// NewFingerprintWriter creates a FingerprintWriter on top of w
func NewFingerprintWriter(w io.Writer) *FingerprintWriter {
	h, _ := blake2b.New256(nil) // only fails with a key longer than 64 bytes
	return &FingerprintWriter{h: h, w: w}
}

func (f *FingerprintWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.h.Write(p[:n])
	return n, err
}

// Sum returns the lowercase hex fingerprint of everything written so far
func (f *FingerprintWriter) Sum() string {
	return hex.EncodeToString(f.h.Sum(nil))
}

// FingerprintFile returns the fingerprint of the file at the given path
func FingerprintFile(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Fingerprint(f)
}

// GenerateAPIKey generates a new random API key, suitable for the server's APIKey
// config setting. This function is meant to be used when a new server is set up.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, APIKeyLenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return fmt.Sprintf("icp_%s", base64.RawURLEncoding.EncodeToString(raw)), nil
}

// SafeCompare compares two API keys in constant time, to prevent timing attacks
func SafeCompare(expected string, actual string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}
