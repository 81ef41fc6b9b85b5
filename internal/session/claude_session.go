package session

import (
	"context"

	"github.com/akfldk1028/taskdaemon/internal/claude"
	"github.com/akfldk1028/taskdaemon/internal/models"
)

// ClaudeSession adapts claude.Invoker's one-shot request/response contract
// into the Session streaming interface, synthesizing the session_start and
// session_end bookends around a single invocation. This is the only
// concrete Session this module ships; a deployer may supply a genuinely
// streaming transport instead without touching any caller.
type ClaudeSession struct {
	Invoker *claude.Invoker
	Prompt  string
	Schema  string
}

// Run implements Session.
func (s *ClaudeSession) Run(ctx context.Context, params Params) <-chan Event {
	out := make(chan Event, 4)

	go func() {
		defer close(out)

		out <- Event{Type: EventSessionStart}

		schema := s.Schema
		if schema == "" {
			schema = models.AgentResponseSchema()
		}

		resp, err := s.Invoker.Invoke(ctx, claude.Request{
			Prompt:      s.Prompt,
			Schema:      schema,
			BypassPerms: true,
		})
		if err != nil {
			select {
			case out <- Event{Type: EventSessionEnd, Status: EndError, EndErr: err}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case out <- Event{Type: EventAssistantText, Text: string(resp.RawOutput)}:
		case <-ctx.Done():
			return
		}

		select {
		case out <- Event{Type: EventSessionEnd, Status: EndOK}:
		case <-ctx.Done():
		}
	}()

	return out
}
