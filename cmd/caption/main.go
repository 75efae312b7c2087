// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"

	"k8s.io/examples/AI/imagecaption/pkg/blobs"
	"k8s.io/examples/AI/imagecaption/pkg/caption"
	_ "k8s.io/examples/AI/imagecaption/pkg/engine/fallback"
	"k8s.io/examples/AI/imagecaption/pkg/imageproc"
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

type options struct {
	Model    string
	Vocab    string
	Image    string
	Config   caption.Config
	MaxSteps int
	Resolver *blobs.Resolver
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func run(ctx context.Context) error {
	opt := options{
		Config: caption.DefaultConfig(),
	}

	opt.Model = os.Getenv("CAPTION_MODEL")
	if opt.Model == "" {
		opt.Model = "model.cbor"
	}
	flag.StringVar(&opt.Model, "model", opt.Model, "path, gs:// URL or blob:<sha256> of the caption model")

	opt.Vocab = os.Getenv("CAPTION_VOCAB")
	if opt.Vocab == "" {
		opt.Vocab = "vocab.txt"
	}
	flag.StringVar(&opt.Vocab, "vocab", opt.Vocab, "path, gs:// URL or blob:<sha256> of the vocabulary file")

	if backend := os.Getenv("CAPTION_BACKEND"); backend != "" {
		opt.Config.Backend = backend
	}
	flag.StringVar(&opt.Config.Backend, "backend", opt.Config.Backend, "inference backend")
	opt.Config.BackendConfig = os.Getenv("CAPTION_BACKEND_CONFIG")
	flag.StringVar(&opt.Config.BackendConfig, "backend-config", opt.Config.BackendConfig, "backend options, e.g. threads=4")

	flag.IntVar(&opt.Config.ImageSize, "image-size", envInt("CAPTION_IMAGE_SIZE", opt.Config.ImageSize), "side of the square image the model takes")
	flag.IntVar(&opt.Config.VocabSize, "vocab-size", envInt("CAPTION_VOCAB_SIZE", opt.Config.VocabSize), "number of token classes the model scores")
	flag.IntVar(&opt.Config.HiddenSize, "hidden-size", envInt("CAPTION_HIDDEN_SIZE", opt.Config.HiddenSize), "size of the recurrent state")
	flag.IntVar(&opt.MaxSteps, "max-steps", 0, "stop after this many words (0 = until the model stops)")

	blobserver := os.Getenv("BLOBSERVER")
	if blobserver == "" {
		blobserver = "http://blobserver"
	}
	flag.StringVar(&blobserver, "blobserver", blobserver, "base url to blobserver")
	cacheDir := os.Getenv("CACHE_DIR")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "directory for downloaded models (default: under the system temp dir)")

	klog.InitFlags(nil)

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <image>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("expected exactly one image argument, got %d", flag.NArg())
	}
	opt.Image = flag.Arg(0)

	blobserverURL, err := url.Parse(blobserver)
	if err != nil {
		return fmt.Errorf("parsing blobserver url %q: %w", blobserver, err)
	}
	opt.Resolver = &blobs.Resolver{
		Blobserver:  blobserverURL,
		CacheDir:    cacheDir,
		MaxAttempts: 5,
	}

	return captionImage(ctx, opt, os.Stdout)
}

// captionImage prints the caption of one image to out, one word at a time.
func captionImage(ctx context.Context, opt options, out io.Writer) error {
	log := klog.FromContext(ctx)

	img, err := imageproc.Open(opt.Image)
	if err != nil {
		return err
	}

	vocabPath, err := opt.Resolver.Fetch(ctx, opt.Vocab)
	if err != nil {
		return fmt.Errorf("fetching vocabulary: %w", err)
	}
	v, err := vocab.Load(vocabPath)
	if err != nil {
		return err
	}

	modelPath, err := opt.Resolver.Fetch(ctx, opt.Model)
	if err != nil {
		return fmt.Errorf("fetching model: %w", err)
	}
	model, err := caption.Load(ctx, modelPath, opt.Config)
	if err != nil {
		return err
	}
	defer model.Close()

	log.V(2).Info("loaded caption model", "model", modelPath, "vocabulary", v.Len())

	session, err := model.Predict(ctx, img, caption.WithMaxSteps(opt.MaxSteps))
	if err != nil {
		return err
	}
	defer session.Close()

	for w, err := range session.Words(ctx) {
		if err != nil {
			fmt.Fprintln(out)
			return err
		}
		s, err := v.Word(w)
		if err != nil {
			fmt.Fprintln(out)
			return err
		}
		fmt.Fprint(out, s, " ")
	}
	fmt.Fprintln(out)

	log.V(2).Info("caption complete", "steps", session.Steps())
	return nil
}
