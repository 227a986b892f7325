package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/koord/internal/dispatch"
	"github.com/gosuda/koord/internal/domain"
	"github.com/gosuda/koord/internal/server/middleware"
)

type CallInput struct {
	Body struct {
		CallID    string         `json:"call_id,omitempty" doc:"UUID; generated when omitted"`
		SessionID string         `json:"session_id" minLength:"1" doc:"Session the call belongs to"`
		ToolName  string         `json:"tool_name" minLength:"1" maxLength:"255" doc:"Canonical tool name"`
		Arguments map[string]any `json:"arguments" doc:"Tool arguments"`
		Timestamp time.Time      `json:"timestamp,omitempty" doc:"Client-side submission time"`
	}
}

type CallOutput struct {
	Body domain.ToolResult
}

// registerCallRoutes registers the canonical tool-call endpoint. Outcomes
// travel in-band on the result envelope: the HTTP status is 200 for every
// dispatched call, and adapters branch on error_kind.
func registerCallRoutes(api huma.API, dispatcher *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch-call",
		Method:      http.MethodPost,
		Path:        "/calls",
		Summary:     "Dispatch a canonical tool-call envelope",
		Tags:        []string{"Calls"},
	}, func(ctx context.Context, input *CallInput) (*CallOutput, error) {
		token, ok := middleware.AccessTokenFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized(string(domain.KindTokenInvalid))
		}

		callID := uuid.New()
		if input.Body.CallID != "" {
			parsed, err := uuid.Parse(input.Body.CallID)
			if err != nil {
				return nil, huma.Error422UnprocessableEntity("call_id must be a UUID")
			}
			callID = parsed
		}

		sessionID, err := uuid.Parse(input.Body.SessionID)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("session_id must be a UUID")
		}

		timestamp := input.Body.Timestamp
		if timestamp.IsZero() {
			timestamp = time.Now().UTC()
		}

		env := domain.ToolCallEnvelope{
			CallID:    callID,
			SessionID: sessionID,
			ToolName:  input.Body.ToolName,
			Arguments: input.Body.Arguments,
			Timestamp: timestamp,
		}

		result := dispatcher.Dispatch(ctx, token, env)

		return &CallOutput{Body: result}, nil
	})
}
