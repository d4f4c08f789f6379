package gemini

import (
	"context"
	"io"
	"iter"

	"google.golang.org/genai"

	"github.com/chatforge/chatforge/model"
)

// streamer adapts the genai streaming iterator to model.Streamer. Gemini
// delivers function calls whole within a chunk, so each call yields a
// ToolCallDelta carrying the full arguments followed immediately by
// ToolCallDone.
type streamer struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	pending []model.Event
	done    bool

	callIndex int
	sawCalls  bool
	usage     *model.TokenUsage
	finish    genai.FinishReason
}

func newStreamer(ctx context.Context, client *genai.Client, modelID string, contents []*genai.Content, cfg *genai.GenerateContentConfig) *streamer {
	seq := client.Models.GenerateContentStream(ctx, modelID, contents, cfg)
	next, stop := iter.Pull2(seq)
	return &streamer{
		next: func() (*genai.GenerateContentResponse, error, bool) {
			resp, err, ok := next()
			return resp, err, ok
		},
		stop: stop,
	}
}

// Recv implements model.Streamer.
func (s *streamer) Recv() (model.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		resp, err, ok := s.next()
		if err != nil {
			s.done = true
			return nil, classify("generate_content_stream", err)
		}
		if !ok {
			s.done = true
			s.finalize()
			continue
		}
		s.handle(resp)
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	s.stop()
	return nil
}

func (s *streamer) handle(resp *genai.GenerateContentResponse) {
	if u := resp.UsageMetadata; u != nil {
		s.usage = &model.TokenUsage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		s.finish = cand.FinishReason
	}
	if cand.Content == nil {
		return
	}
	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			if part.Thought {
				s.pending = append(s.pending, model.ReasoningDelta{Text: part.Text})
			} else {
				s.pending = append(s.pending, model.ContentDelta{Text: part.Text})
			}
		}
		if fc := part.FunctionCall; fc != nil {
			call := toolCallFromFunction(fc, s.callIndex)
			s.callIndex++
			s.sawCalls = true
			s.pending = append(s.pending,
				model.ToolCallDelta{ID: call.ID, Index: call.Index, Name: call.Name, ArgsFragment: string(call.Arguments)},
				model.ToolCallDone{Call: call},
			)
		}
	}
}

func (s *streamer) finalize() {
	if s.usage != nil {
		s.pending = append(s.pending, model.UsageEvent{Usage: *s.usage})
	}
	reason := normalizeFinish(s.finish)
	if s.sawCalls {
		reason = model.StopToolCalls
	}
	s.pending = append(s.pending, model.StopEvent{Reason: reason})
}
