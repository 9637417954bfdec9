package guardrail

import (
	"context"
	"strings"
)

// StreamHandler is implemented by output guardrails that can scrub text
// incrementally. ProcessChunk returns the text safe to emit now; drop
// reports that the chunk produced nothing for downstream handlers. Handlers
// hold back bounded suffixes in state when a pattern might span chunks.
type StreamHandler interface {
	ProcessChunk(ctx context.Context, chunk string, state *StreamState) (out string, drop bool, err error)
}

// StreamState is the per-guardrail, per-stream scratch space.
type StreamState struct {
	bag         map[string]interface{}
	aborted     bool
	abortReason string
}

// Get reads a value stored by a previous ProcessChunk call.
func (s *StreamState) Get(key string) (interface{}, bool) {
	v, ok := s.bag[key]
	return v, ok
}

// Set stores a value for later ProcessChunk calls on the same stream.
func (s *StreamState) Set(key string, v interface{}) {
	if s.bag == nil {
		s.bag = make(map[string]interface{})
	}
	s.bag[key] = v
}

// Abort marks the stream as blocked. The pipeline converts this into a
// Blocked error and rejects all further chunks.
func (s *StreamState) Abort(reason string) {
	s.aborted = true
	s.abortReason = reason
}

// StreamPipeline threads streamed chunks through the stream-capable output
// guardrails and reconciles the result with the terminal output chain on
// Finalize. Emitted text plus the trailing diff always equals the terminal
// chain applied to the full accumulated output.
type StreamPipeline struct {
	guards   []OutputGuardrail
	handlers []StreamHandler
	metas    []Meta
	states   []*StreamState

	original strings.Builder
	emitted  strings.Builder

	abortErr  error
	finalized bool
	finalText string
	finalTail string
	finalErr  error
}

// NewStreamPipeline builds a pipeline over the given output guardrails.
// Guardrails that do not implement StreamHandler only run at Finalize.
func NewStreamPipeline(guards ...OutputGuardrail) *StreamPipeline {
	p := &StreamPipeline{guards: guards}
	for _, g := range guards {
		if h, ok := g.(StreamHandler); ok {
			p.handlers = append(p.handlers, h)
			p.metas = append(p.metas, g.Meta())
			p.states = append(p.states, &StreamState{})
		}
	}
	return p
}

// ProcessPart runs one chunk through the handler chain in order and returns
// the text safe to emit. A handler that drops its input stops the chain for
// this chunk. After an abort, every call returns the same Blocked error.
func (p *StreamPipeline) ProcessPart(ctx context.Context, chunk string) (string, error) {
	if p.abortErr != nil {
		return "", p.abortErr
	}
	p.original.WriteString(chunk)

	current := chunk
	for i, h := range p.handlers {
		out, drop, err := h.ProcessChunk(ctx, current, p.states[i])
		if p.states[i].aborted {
			p.abortErr = &Blocked{GuardrailID: p.metas[i].ID, Phase: "stream", Message: p.states[i].abortReason}
			return "", p.abortErr
		}
		if err != nil {
			p.abortErr = err
			return "", p.abortErr
		}
		if drop || out == "" {
			current = ""
			break
		}
		current = out
	}

	p.emitted.WriteString(current)
	return current, nil
}

// Emitted returns everything released to the consumer so far.
func (p *StreamPipeline) Emitted() string { return p.emitted.String() }

// Original returns the accumulated unmodified model output.
func (p *StreamPipeline) Original() string { return p.original.String() }

// Finalize runs the terminal output chain over the accumulated original
// output and returns the final text plus the trailing portion not yet
// emitted. It is idempotent: repeated calls return the same result.
func (p *StreamPipeline) Finalize(ctx context.Context) (final string, trailing string, err error) {
	if p.finalized {
		return p.finalText, p.finalTail, p.finalErr
	}
	p.finalized = true

	if p.abortErr != nil {
		p.finalErr = p.abortErr
		return "", "", p.finalErr
	}

	final, err = RunOutput(ctx, p.guards, p.original.String())
	if err != nil {
		p.finalErr = err
		return "", "", err
	}

	emitted := p.emitted.String()
	if strings.HasPrefix(final, emitted) {
		trailing = final[len(emitted):]
	}
	p.finalText = final
	p.finalTail = trailing
	return final, trailing, nil
}
