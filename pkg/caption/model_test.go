package caption_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io/fs"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"k8s.io/examples/AI/imagecaption/pkg/caption"
	"k8s.io/examples/AI/imagecaption/pkg/caption/captiontest"
	"k8s.io/examples/AI/imagecaption/pkg/engine"
	"k8s.io/examples/AI/imagecaption/pkg/engine/fallback"
)

func gradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: uint8((x + y) * 7), A: 255})
		}
	}
	return img
}

func loadModel(t *testing.T, path string, cfg caption.Config) *caption.Model {
	t.Helper()
	m, err := caption.Load(context.Background(), path, cfg)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return m
}

func TestCaptionIsDeterministic(t *testing.T) {
	ctx := context.Background()
	cfg := captiontest.Config()
	path := captiontest.WriteModel(t, captiontest.NewModel(cfg, 1, true))
	img := gradient(40, 30)

	first := loadModel(t, path, cfg)
	want, err := first.Caption(ctx, img)
	if err != nil {
		t.Fatalf("Caption failed: %v", err)
	}
	if len(want) > caption.DefaultMaxSteps {
		t.Fatalf("caption has %d words, more than the step limit", len(want))
	}

	// same model, same session
	again, err := first.Caption(ctx, img)
	if err != nil {
		t.Fatalf("second Caption failed: %v", err)
	}
	if diff := cmp.Diff(want, again); diff != "" {
		t.Errorf("caption changed between sessions (-first +second):\n%s", diff)
	}

	// independently loaded model
	second := loadModel(t, path, cfg)
	got, err := second.Caption(ctx, img)
	if err != nil {
		t.Fatalf("Caption on second model failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("caption differs between loads (-first +second):\n%s", diff)
	}
}

func TestFusedAndGateCellsAgree(t *testing.T) {
	ctx := context.Background()
	cfg := captiontest.Config()
	img := gradient(16, 16)

	fused := loadModel(t, captiontest.WriteModel(t, captiontest.NewModel(cfg, 7, true)), cfg)
	gates := loadModel(t, captiontest.WriteModel(t, captiontest.NewModel(cfg, 7, false)), cfg)

	want, err := fused.Caption(ctx, img, caption.WithMaxSteps(10))
	if err != nil {
		t.Fatalf("fused Caption failed: %v", err)
	}
	got, err := gates.Caption(ctx, img, caption.WithMaxSteps(10))
	if err != nil {
		t.Fatalf("gate Caption failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("captions differ (-fused +gates):\n%s", diff)
	}
}

func TestSessionStreamsWords(t *testing.T) {
	ctx := context.Background()
	cfg := captiontest.Config()
	m := loadModel(t, captiontest.WriteModel(t, captiontest.NewModel(cfg, 3, true)), cfg)
	img := gradient(8, 8)

	want, err := m.Caption(ctx, img, caption.WithMaxSteps(5))
	if err != nil {
		t.Fatalf("Caption failed: %v", err)
	}

	s, err := m.Predict(ctx, img, caption.WithMaxSteps(5))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	defer s.Close()

	var got []caption.Word
	for w, err := range s.Words(ctx) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, w)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("streamed words differ from Caption (-want +got):\n%s", diff)
	}
	if s.Steps() < len(got) || s.Steps() > 5 {
		t.Errorf("unexpected step count %d for %d words", s.Steps(), len(got))
	}
}

func TestLoadErrors(t *testing.T) {
	cfg := captiontest.Config()

	grid := []struct {
		name   string
		model  func() *fallback.Model
		config func(c *caption.Config)
		path   string
		target error
		stage  string
	}{
		{
			name:   "unknown backend",
			config: func(c *caption.Config) { c.Backend = "tpu" },
			target: engine.ErrUnknownBackend,
			stage:  "backend",
		},
		{
			name:   "bad backend config",
			config: func(c *caption.Config) { c.BackendConfig = "threads" },
			stage:  "backend",
		},
		{
			name:   "missing model file",
			path:   filepath.Join(t.TempDir(), "missing.cbor"),
			target: fs.ErrNotExist,
			stage:  "model",
		},
		{
			name:   "image size does not match model",
			config: func(c *caption.Config) { c.ImageSize = 16 },
			target: engine.ErrShapeMismatch,
			stage:  "image encoder",
		},
		{
			name:   "vocabulary size does not match model",
			config: func(c *caption.Config) { c.VocabSize = 20 },
			target: engine.ErrShapeMismatch,
			stage:  "word encoder",
		},
		{
			name: "decoder output missing",
			model: func() *fallback.Model {
				m := captiontest.NewModel(cfg, 1, true)
				renameTensor(m, caption.DecodeCaptionOut, "scores")
				return m
			},
			target: engine.ErrUnknownTensor,
			stage:  "caption decoder",
		},
		{
			name: "gate output missing",
			model: func() *fallback.Model {
				m := captiontest.NewModel(cfg, 1, false)
				m.Outputs = slices.DeleteFunc(m.Outputs, func(v fallback.ValueInfo) bool {
					return v.Name == caption.LSTMO
				})
				return m
			},
			target: engine.ErrUnknownTensor,
			stage:  "recurrent cell",
		},
	}

	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			c := cfg
			if g.config != nil {
				g.config(&c)
			}
			path := g.path
			if path == "" {
				model := captiontest.NewModel(cfg, 1, true)
				if g.model != nil {
					model = g.model()
				}
				path = captiontest.WriteModel(t, model)
			}

			m, err := caption.Load(context.Background(), path, c)
			if err == nil {
				m.Close()
				t.Fatalf("expected Load to fail")
			}
			var buildErr *caption.ModelBuildError
			if !errors.As(err, &buildErr) {
				t.Fatalf("expected ModelBuildError, got %T: %v", err, err)
			}
			if buildErr.Stage != g.stage {
				t.Errorf("failed in stage %q, expected %q: %v", buildErr.Stage, g.stage, err)
			}
			if g.target != nil && !errors.Is(err, g.target) {
				t.Errorf("expected error wrapping %v, got %v", g.target, err)
			}
		})
	}
}

func TestInvalidConfig(t *testing.T) {
	cfg := captiontest.Config()
	cfg.HiddenSize = 0

	_, err := caption.Load(context.Background(), "unused", cfg)
	var buildErr *caption.ModelBuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("expected ModelBuildError, got %v", err)
	}
}

// renameTensor renames a tensor everywhere it is produced, consumed or declared.
func renameTensor(m *fallback.Model, from, to string) {
	for i := range m.Nodes {
		if m.Nodes[i].Out == from {
			m.Nodes[i].Out = to
		}
		for j, in := range m.Nodes[i].Inputs {
			if in == from {
				m.Nodes[i].Inputs[j] = to
			}
		}
	}
	for i := range m.Outputs {
		if m.Outputs[i].Name == from {
			m.Outputs[i].Name = to
		}
	}
}
