package agentrun

import (
	"sync"

	"github.com/voocel/agentrun/schema"
)

// StreamResult is the handle returned by streaming operations. Parts are
// buffered internally, so FullStream and TextStream can be consumed
// independently (each gets a full replay) and the blocking accessors can be
// used without draining a channel.
type StreamResult struct {
	mu    sync.Mutex
	cond  *sync.Cond
	parts []schema.StreamPart
	done  bool

	finalText    string
	usage        schema.Usage
	finishReason string
	err          error

	doneCh chan struct{}
}

func newStreamResult() *StreamResult {
	s := &StreamResult{doneCh: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *StreamResult) push(part schema.StreamPart) {
	s.mu.Lock()
	s.parts = append(s.parts, part)
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *StreamResult) finish(text string, usage schema.Usage, finishReason string, err error) {
	s.mu.Lock()
	s.finalText = text
	s.usage = usage
	s.finishReason = finishReason
	s.err = err
	s.done = true
	s.mu.Unlock()
	s.cond.Broadcast()
	close(s.doneCh)
}

// FullStream returns a channel replaying every stream part in order. The
// channel closes when the operation finishes.
func (s *StreamResult) FullStream() <-chan schema.StreamPart {
	ch := make(chan schema.StreamPart, 16)
	go func() {
		defer close(ch)
		i := 0
		for {
			s.mu.Lock()
			for i >= len(s.parts) && !s.done {
				s.cond.Wait()
			}
			if i >= len(s.parts) && s.done {
				s.mu.Unlock()
				return
			}
			part := s.parts[i]
			i++
			s.mu.Unlock()
			ch <- part
		}
	}()
	return ch
}

// TextStream returns a channel of text deltas only.
func (s *StreamResult) TextStream() <-chan string {
	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		for part := range s.FullStream() {
			if part.Type == schema.PartTextDelta && part.Delta != "" {
				ch <- part.Delta
			}
		}
	}()
	return ch
}

// Text blocks until the operation finishes and returns the final text.
func (s *StreamResult) Text() (string, error) {
	<-s.doneCh
	return s.finalText, s.err
}

// Usage blocks until the operation finishes and returns token usage.
func (s *StreamResult) Usage() (schema.Usage, error) {
	<-s.doneCh
	return s.usage, s.err
}

// FinishReason blocks until the operation finishes.
func (s *StreamResult) FinishReason() (string, error) {
	<-s.doneCh
	return s.finishReason, s.err
}

// Done is closed when the operation finishes.
func (s *StreamResult) Done() <-chan struct{} { return s.doneCh }

// Err returns the operation error after Done is closed.
func (s *StreamResult) Err() error {
	<-s.doneCh
	return s.err
}
