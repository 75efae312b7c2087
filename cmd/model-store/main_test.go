package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"k8s.io/examples/AI/imagecaption/pkg/blobs"
)

type fakeStore struct {
	mu        sync.Mutex
	objects   map[string]string
	downloads int
	uploads   int
}

func (f *fakeStore) Download(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	f.mu.Lock()
	f.downloads++
	contents, ok := f.objects[info.Hash]
	f.mu.Unlock()
	if !ok {
		return os.ErrNotExist
	}
	return os.WriteFile(destPath, []byte(contents), 0644)
}

func (f *fakeStore) Upload(ctx context.Context, sourcePath string, info blobs.BlobInfo) error {
	b, err := os.ReadFile(sourcePath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string]string)
	}
	if _, ok := f.objects[info.Hash]; !ok {
		f.objects[info.Hash] = string(b)
		f.uploads++
	}
	return nil
}

var _ blobs.Blobstore = (*fakeStore)(nil)

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestServeBlob(t *testing.T) {
	const contents = "vocabulary"
	hash := hashOf(contents)
	store := &fakeStore{objects: map[string]string{hash: contents}}
	srv := httptest.NewServer(&httpServer{blobCache: &blobCache{BaseDir: t.TempDir(), blobstore: store}})
	defer srv.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("reading body: %v", err)
		}
		return resp.StatusCode, string(body)
	}

	for range 2 {
		code, body := get("/" + hash)
		if code != http.StatusOK || body != contents {
			t.Fatalf("GET blob = %d %q, expected 200 %q", code, body, contents)
		}
	}
	if store.downloads != 1 {
		t.Errorf("expected one download from the store, got %d", store.downloads)
	}

	if code, _ := get("/" + hashOf("missing")); code != http.StatusNotFound {
		t.Errorf("missing blob: got status %d, expected 404", code)
	}
	if code, _ := get("/not-a-hash"); code != http.StatusBadRequest {
		t.Errorf("invalid hash: got status %d, expected 400", code)
	}
	if code, _ := get("/a/b"); code != http.StatusNotFound {
		t.Errorf("nested path: got status %d, expected 404", code)
	}

	resp, err := http.Post(srv.URL+"/"+hash, "text/plain", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST: got status %d, expected 405", resp.StatusCode)
	}
}

func TestPublishFiles(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "model.cbor")
	vocab := filepath.Join(dir, "vocab.txt")
	if err := os.WriteFile(model, []byte("model bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(vocab, []byte("a\nman\n"), 0644); err != nil {
		t.Fatal(err)
	}

	store := &fakeStore{}
	var out bytes.Buffer
	if err := publishFiles(context.Background(), store, []string{model, vocab, model}, &out); err != nil {
		t.Fatalf("publishFiles failed: %v", err)
	}

	want := model + "\tblob:" + hashOf("model bytes") + "\n" +
		vocab + "\tblob:" + hashOf("a\nman\n") + "\n" +
		model + "\tblob:" + hashOf("model bytes") + "\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
	if store.uploads != 2 {
		t.Errorf("expected 2 uploads, got %d", store.uploads)
	}

	// published blobs are served by hash
	srv := httptest.NewServer(&httpServer{blobCache: &blobCache{BaseDir: t.TempDir(), blobstore: store}})
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/" + hashOf("a\nman\n"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "a\nman\n" {
		t.Errorf("GET published blob = %d %q", resp.StatusCode, body)
	}

	if err := publishFiles(context.Background(), store, nil, &out); err == nil {
		t.Errorf("expected error with no files")
	}
	if err := publishFiles(context.Background(), store, []string{filepath.Join(dir, "missing")}, &out); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error for missing file, got %v", err)
	}
}
