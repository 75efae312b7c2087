package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"k8s.io/examples/AI/imagecaption/pkg/caption"
	"k8s.io/examples/AI/imagecaption/pkg/imageproc"
	"k8s.io/examples/AI/imagecaption/pkg/vocab"
	"k8s.io/klog/v2"
)

const maxImageBytes = 32 << 20

type server struct {
	// models holds the idle model instances. A model has at most one
	// session, so a request takes a model for its whole duration.
	models   chan *caption.Model
	vocab    *vocab.Vocabulary
	maxSteps int
}

func newServer(models []*caption.Model, v *vocab.Vocabulary, maxSteps int) *server {
	s := &server{
		models:   make(chan *caption.Model, len(models)),
		vocab:    v,
		maxSteps: maxSteps,
	}
	for _, m := range models {
		s.models <- m
	}
	return s
}

type captionResponse struct {
	Caption string   `json:"caption"`
	Words   []string `json:"words"`
	Steps   int      `json:"steps"`
}

func (s *server) routes() http.Handler {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "idle": len(s.models)})
	})
	r.POST("/v1/caption", s.handleCaption)

	return r
}

func (s *server) acquire(ctx context.Context) (*caption.Model, error) {
	select {
	case m := <-s.models:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *server) release(m *caption.Model) {
	s.models <- m
}

func (s *server) handleCaption(c *gin.Context) {
	ctx := c.Request.Context()
	log := klog.FromContext(ctx)

	img, format, err := imageproc.Decode(http.MaxBytesReader(c.Writer, c.Request.Body, maxImageBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	m, err := s.acquire(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": err.Error()})
		return
	}
	defer s.release(m)

	session, err := m.Predict(ctx, img, caption.WithMaxSteps(s.maxSteps))
	if err != nil {
		log.Error(err, "starting caption session")
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	defer session.Close()

	if c.Query("stream") == "true" {
		s.streamWords(c, session)
		return
	}

	var resp captionResponse
	for w, err := range session.Words(ctx) {
		if err != nil {
			log.Error(err, "generating caption", "format", format, "steps", session.Steps())
			c.JSON(statusFor(err), gin.H{"message": err.Error(), "words": resp.Words})
			return
		}
		word, err := s.vocab.Word(w)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		resp.Words = append(resp.Words, word)
	}
	if resp.Words == nil {
		resp.Words = []string{}
	}
	resp.Caption = strings.Join(resp.Words, " ")
	resp.Steps = session.Steps()

	log.V(2).Info("captioned image", "format", format, "steps", resp.Steps, "caption", resp.Caption)
	c.JSON(http.StatusOK, resp)
}

// streamWords sends each word as a server-sent event as soon as it is
// decoded, followed by a "done" event.
func (s *server) streamWords(c *gin.Context, session *caption.Session) {
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		word, err := session.Next(ctx)
		if err == io.EOF {
			c.SSEvent("done", gin.H{"steps": session.Steps()})
			return false
		}
		if err != nil {
			c.SSEvent("error", gin.H{"message": err.Error()})
			return false
		}
		text, err := s.vocab.Word(word)
		if err != nil {
			c.SSEvent("error", gin.H{"message": err.Error()})
			return false
		}
		c.SSEvent("word", text)
		return true
	})
}

func statusFor(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
