package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/imagecaption/pkg/blobs"
	"k8s.io/klog/v2"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/blobserver/blobs"
	}
	cacheBucket := os.Getenv("CACHE_BUCKET")
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	flag.StringVar(&cacheBucket, "cache-bucket", cacheBucket, "GCS bucket (gs://<bucketName>) holding model artifacts by sha256")
	publish := false
	flag.BoolVar(&publish, "publish", publish, "upload the files named as arguments to the cache bucket and print their blob references, then exit")
	klog.InitFlags(nil)
	flag.Parse()

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if cacheBucket == "" {
		return fmt.Errorf("must specify CACHE_BUCKET env var")
	}
	if !strings.HasPrefix(cacheBucket, "gs://") {
		return fmt.Errorf("CACHE_BUCKET must be a GCS bucket URL (gs://<bucketName>)")
	}
	cacheBucket = strings.TrimPrefix(cacheBucket, "gs://")
	log.Info("using GCS cache", "bucket", cacheBucket)

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()
	blobstore := &blobs.GCSBlobstore{Bucket: cacheBucket, Client: client}

	if publish {
		return publishFiles(ctx, blobstore, flag.Args(), os.Stdout)
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	s := &httpServer{
		blobCache: &blobCache{
			BaseDir:   cacheDir,
			blobstore: blobstore,
		},
	}

	log.Info("serving model artifacts", "listen", listen, "cacheDir", cacheDir)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

// publishFiles uploads each file to the store keyed by its sha256 and
// prints a blob:<sha256> reference per file.
func publishFiles(ctx context.Context, store blobs.Blobstore, paths []string, out io.Writer) error {
	log := klog.FromContext(ctx)

	if len(paths) == 0 {
		return fmt.Errorf("no files to publish")
	}
	for _, p := range paths {
		hash, err := blobs.HashFile(p)
		if err != nil {
			return err
		}
		if err := store.Upload(ctx, p, blobs.BlobInfo{Hash: hash}); err != nil {
			return fmt.Errorf("publishing %q: %w", p, err)
		}
		log.V(2).Info("published blob", "path", p, "hash", hash)
		fmt.Fprintf(out, "%s\tblob:%s\n", p, hash)
	}
	return nil
}

type httpServer struct {
	blobCache *blobCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 {
		if r.Method == "GET" || r.Method == "HEAD" {
			hash := tokens[0]
			s.serveGETBlob(w, r, hash)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (s *httpServer) serveGETBlob(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	if !blobs.IsHash(hash) {
		http.Error(w, "invalid blob hash", http.StatusBadRequest)
		return
	}

	f, err := s.blobCache.GetBlob(ctx, hash)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting blob", "hash", hash)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	log.V(2).Info("serving blob", "path", f.Name())
	http.ServeFile(w, r, f.Name())
}

// blobCache keeps verified copies of blobs on local disk, filling misses
// from the blobstore.
type blobCache struct {
	BaseDir   string
	blobstore blobs.BlobReader

	downloads singleflight.Group
}

func (c *blobCache) GetBlob(ctx context.Context, hash string) (*os.File, error) {
	localPath := filepath.Join(c.BaseDir, hash)
	f, err := os.Open(localPath)
	if err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening blob %q: %w", hash, err)
	}

	// Concurrent requests for the same blob share one download.
	_, err, _ = c.downloads.Do(hash, func() (any, error) {
		return nil, c.blobstore.Download(context.WithoutCancel(ctx), blobs.BlobInfo{Hash: hash}, localPath)
	})
	if err != nil {
		if blobs.IsNotFound(err) {
			return nil, status.Errorf(codes.NotFound, "blob %q not found", hash)
		}
		return nil, fmt.Errorf("downloading blob %q: %w", hash, err)
	}

	return os.Open(localPath)
}
