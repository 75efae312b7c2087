package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/examples/AI/imagecaption/pkg/blobs"
	"k8s.io/examples/AI/imagecaption/pkg/caption"
	_ "k8s.io/examples/AI/imagecaption/pkg/engine/fallback"
	"k8s.io/examples/AI/imagecaption/pkg/vocab"
	"k8s.io/klog/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	cfg := caption.DefaultConfig()

	listen := ":8080"
	flag.StringVar(&listen, "listen", listen, "listen address")

	modelRef := os.Getenv("CAPTION_MODEL")
	flag.StringVar(&modelRef, "model", modelRef, "path, gs:// URL or blob:<sha256> of the caption model")
	vocabRef := os.Getenv("CAPTION_VOCAB")
	flag.StringVar(&vocabRef, "vocab", vocabRef, "path, gs:// URL or blob:<sha256> of the vocabulary file")

	if backend := os.Getenv("CAPTION_BACKEND"); backend != "" {
		cfg.Backend = backend
	}
	flag.StringVar(&cfg.Backend, "backend", cfg.Backend, "inference backend")
	cfg.BackendConfig = os.Getenv("CAPTION_BACKEND_CONFIG")
	flag.StringVar(&cfg.BackendConfig, "backend-config", cfg.BackendConfig, "backend options, e.g. threads=4")
	flag.IntVar(&cfg.ImageSize, "image-size", cfg.ImageSize, "side of the square image the model takes")
	flag.IntVar(&cfg.VocabSize, "vocab-size", cfg.VocabSize, "number of token classes the model scores")
	flag.IntVar(&cfg.HiddenSize, "hidden-size", cfg.HiddenSize, "size of the recurrent state")

	replicas := 1
	flag.IntVar(&replicas, "replicas", replicas, "number of model instances, each serving one request at a time")
	maxSteps := caption.DefaultMaxSteps
	flag.IntVar(&maxSteps, "max-steps", maxSteps, "maximum words per caption")

	blobserver := os.Getenv("BLOBSERVER")
	if blobserver == "" {
		blobserver = "http://blobserver"
	}
	flag.StringVar(&blobserver, "blobserver", blobserver, "base url to blobserver")
	cacheDir := os.Getenv("CACHE_DIR")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "directory for downloaded models")

	klog.InitFlags(nil)
	flag.Parse()

	if !klog.V(2).Enabled() {
		gin.SetMode(gin.ReleaseMode)
	}

	if modelRef == "" || vocabRef == "" {
		return fmt.Errorf("must specify -model and -vocab (or CAPTION_MODEL and CAPTION_VOCAB)")
	}
	if replicas < 1 {
		return fmt.Errorf("-replicas must be at least 1")
	}

	blobserverURL, err := url.Parse(blobserver)
	if err != nil {
		return fmt.Errorf("parsing blobserver url %q: %w", blobserver, err)
	}
	resolver := &blobs.Resolver{
		Blobserver:  blobserverURL,
		CacheDir:    cacheDir,
		MaxAttempts: 5,
	}

	vocabPath, err := resolver.Fetch(ctx, vocabRef)
	if err != nil {
		return fmt.Errorf("fetching vocabulary: %w", err)
	}
	v, err := vocab.Load(vocabPath)
	if err != nil {
		return err
	}
	modelPath, err := resolver.Fetch(ctx, modelRef)
	if err != nil {
		return fmt.Errorf("fetching model: %w", err)
	}

	var models []*caption.Model
	defer func() {
		for _, m := range models {
			m.Close()
		}
	}()
	for i := 0; i < replicas; i++ {
		m, err := caption.Load(ctx, modelPath, cfg)
		if err != nil {
			return err
		}
		models = append(models, m)
	}

	s := newServer(models, v, maxSteps)

	srv := &http.Server{
		Addr:    listen,
		Handler: s.routes(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "shutting down server")
		}
	}()

	log.Info("serving captions", "listen", listen, "replicas", replicas, "backend", cfg.Backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}
	return nil
}
