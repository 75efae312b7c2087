package blobs

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Resolver turns a model or vocabulary reference into a local file path.
//
// References are one of:
//   - a local path, returned as-is
//   - gs://bucket/key, downloaded from GCS
//   - blob:<sha256>, downloaded from the blobserver
//
// Downloads are kept in CacheDir and reused on later calls.
type Resolver struct {
	// Blobserver is the base URL of the blobserver for blob: references.
	Blobserver *url.URL

	// CacheDir holds downloaded files. Defaults to a directory under os.TempDir().
	CacheDir string

	// MaxAttempts is the number of times to attempt a download before failing.
	MaxAttempts int

	// RetryDelay is the pause between attempts. Defaults to 5 seconds.
	RetryDelay time.Duration

	// GCS returns the reader for a bucket. Defaults to a GCSBlobstore.
	GCS func(bucket string) BlobReader
}

func (r *Resolver) Fetch(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "gs://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(ref, "gs://"), "/")
		if !ok || bucket == "" || key == "" {
			return "", fmt.Errorf("invalid GCS reference %q (expected gs://bucket/key)", ref)
		}
		var reader BlobReader = &GCSBlobstore{Bucket: bucket}
		if r.GCS != nil {
			reader = r.GCS(bucket)
		}
		dest := filepath.Join(r.cacheDir(), "gs", bucket, filepath.FromSlash(key))
		if !strings.HasPrefix(dest, filepath.Join(r.cacheDir(), "gs", bucket)+string(filepath.Separator)) {
			return "", fmt.Errorf("invalid GCS object key %q", key)
		}
		return r.download(ctx, reader, BlobInfo{Key: key}, dest)

	case strings.HasPrefix(ref, "blob:"):
		hash := strings.TrimPrefix(ref, "blob:")
		if !IsHash(hash) {
			return "", fmt.Errorf("invalid blob reference %q (expected blob:<sha256>)", ref)
		}
		if r.Blobserver == nil {
			return "", fmt.Errorf("blob reference %q requires a blobserver", ref)
		}
		reader := &ModelServer{BlobserverURL: r.Blobserver}
		return r.download(ctx, reader, BlobInfo{Hash: hash}, filepath.Join(r.cacheDir(), "blobs", hash))

	default:
		if _, err := os.Stat(ref); err != nil {
			return "", err
		}
		return ref, nil
	}
}

func (r *Resolver) cacheDir() string {
	if r.CacheDir != "" {
		return r.CacheDir
	}
	return filepath.Join(os.TempDir(), "imagecaption")
}

func (r *Resolver) download(ctx context.Context, reader BlobReader, info BlobInfo, destPath string) (string, error) {
	log := klog.FromContext(ctx)

	if _, err := os.Stat(destPath); err == nil {
		log.V(2).Info("using cached blob", "path", destPath)
		return destPath, nil
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}

	maxAttempts := max(r.MaxAttempts, 1)
	delay := r.RetryDelay
	if delay == 0 {
		delay = 5 * time.Second
	}

	attempt := 0
	for {
		attempt++

		err := reader.Download(ctx, info, destPath)
		if err == nil {
			return destPath, nil
		}

		if attempt >= maxAttempts || IsNotFound(err) {
			return "", err
		}

		log.Error(err, "downloading blob, will retry", "info", info, "attempt", attempt)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
}
