package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// ErrHashMismatch is returned when downloaded contents do not match the
// expected sha256.
var ErrHashMismatch = errors.New("blob hash mismatch")

// writeToFile atomically replaces destinationPath with the contents of src.
// If expectedHash is set, the file is only put in place when the sha256 of
// the contents matches.
func writeToFile(ctx context.Context, src io.Reader, destinationPath string, expectedHash string) (int64, error) {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(destinationPath)
	tempFile, err := os.CreateTemp(dir, "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	var hasher hash.Hash
	var w io.Writer = tempFile
	if expectedHash != "" {
		hasher = sha256.New()
		w = io.MultiWriter(tempFile, hasher)
	}

	n, err := io.Copy(w, src)
	if err != nil {
		return n, fmt.Errorf("downloading from upstream source: %w", err)
	}

	if hasher != nil {
		if got := hex.EncodeToString(hasher.Sum(nil)); got != expectedHash {
			return n, fmt.Errorf("expected sha256 %s, got %s: %w", expectedHash, got, ErrHashMismatch)
		}
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}

// HashFile returns the hex sha256 of the file at p.
func HashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hashing %q: %w", p, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// IsHash reports whether s looks like a hex sha256, and so is safe to use
// as a file name.
func IsHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
