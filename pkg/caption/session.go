package caption

import (
	"context"
	"fmt"
	"image"
	"io"
	"iter"
	"runtime"
	"sync/atomic"

	"k8s.io/klog/v2"
)

type sessionStatus int

const (
	statusRunning sessionStatus = iota
	statusStopped
	statusFailed
)

func (s sessionStatus) String() string {
	switch s {
	case statusRunning:
		return "Running"
	case statusStopped:
		return "Stopped"
	case statusFailed:
		return "Failed"
	default:
		return fmt.Sprintf("sessionStatus(%d)", int(s))
	}
}

type SessionOption func(*Session)

// WithMaxSteps stops the session after n recurrent steps even if the stop
// token was never produced. Zero means no limit.
func WithMaxSteps(n int) SessionOption {
	return func(s *Session) {
		s.maxSteps = n
	}
}

// lease is a session's claim on its model. Releasing it more than once has
// no further effect.
type lease struct {
	released atomic.Bool
	active   *atomic.Bool
}

func (l *lease) release() {
	if l.released.CompareAndSwap(false, true) {
		l.active.Store(false)
	}
}

// Session is a single caption generation run. It holds the recurrent state
// and exclusive use of the model's graphs until it ends or is closed.
// A Session that is dropped without being closed releases the model when
// it is garbage collected.
//
// A Session is single-pass: once Next has returned io.EOF or an error, it
// keeps returning io.EOF.
type Session struct {
	model   *Model
	state   *state
	lease   *lease
	cleanup runtime.Cleanup

	// prev is the token fed to the word encoder on the next step.
	prev Token

	steps    int
	maxSteps int
	status   sessionStatus
}

func newSession(m *Model, opts ...SessionOption) *Session {
	s := &Session{
		model:  m,
		state:  newState(m.config.HiddenSize),
		prev:   TokenStart,
		status: statusRunning,
		lease:  &lease{active: &m.active},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cleanup = runtime.AddCleanup(s, (*lease).release, s.lease)
	return s
}

// prime feeds the image feature through the recurrent cell from a zero state.
func (s *Session) prime(ctx context.Context, img image.Image) error {
	feature, err := s.model.imageEncoder.encode(ctx, img)
	if err != nil {
		return err
	}
	s.state.reset()
	return s.model.cell.step(ctx, feature, s.state)
}

// Next performs one recurrent step and returns the next caption word.
// It returns io.EOF once the caption is complete. An error from the model is
// returned once and ends the session; words already returned remain valid.
func (s *Session) Next(ctx context.Context) (Word, error) {
	if s.status != statusRunning {
		return Word{}, io.EOF
	}
	if s.maxSteps > 0 && s.steps >= s.maxSteps {
		klog.FromContext(ctx).V(2).Info("caption reached step limit", "steps", s.steps)
		s.finish(statusStopped)
		return Word{}, io.EOF
	}

	t, err := s.step(ctx)
	if err != nil {
		s.finish(statusFailed)
		return Word{}, err
	}
	s.steps++

	w, stop := t.Word()
	klog.FromContext(ctx).V(4).Info("decoded token", "step", s.steps, "token", int(t), "stop", stop)
	if stop {
		s.finish(statusStopped)
		return Word{}, io.EOF
	}
	return w, nil
}

func (s *Session) step(ctx context.Context) (Token, error) {
	m := s.model

	x, err := m.wordEncoder.encode(ctx, s.prev)
	if err != nil {
		return 0, err
	}
	if err := m.cell.step(ctx, x, s.state); err != nil {
		return 0, err
	}
	t, err := m.decoder.decode(ctx, s.state.hidden)
	if err != nil {
		return 0, err
	}
	if t < 0 || int(t) >= m.config.VocabSize {
		return 0, &InferenceError{Stage: stageDecode, Err: fmt.Errorf("decoded token %d outside [0, %d)", t, m.config.VocabSize)}
	}
	s.prev = t
	return t, nil
}

// Words returns an iterator over the remaining words of the caption.
// Iteration ends after the last word, or after yielding an error.
func (s *Session) Words(ctx context.Context) iter.Seq2[Word, error] {
	return func(yield func(Word, error) bool) {
		for {
			w, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if !yield(w, err) || err != nil {
				return
			}
		}
	}
}

// Steps returns the number of recurrent steps taken after priming.
func (s *Session) Steps() int {
	return s.steps
}

// Close ends the session and releases the model for another session.
// It is safe to call more than once.
func (s *Session) Close() error {
	if s.status == statusRunning {
		s.finish(statusStopped)
	}
	return nil
}

func (s *Session) finish(status sessionStatus) {
	s.status = status
	if s.state != nil {
		s.state = nil
		s.cleanup.Stop()
		s.lease.release()
	}
}
