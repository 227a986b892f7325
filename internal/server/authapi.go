package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/koord/internal/auth"
	"github.com/gosuda/koord/internal/domain"
	"github.com/gosuda/koord/internal/server/middleware"
)

type HandshakeInput struct {
	Body struct {
		AssistantKind string   `json:"assistant_kind" minLength:"1" maxLength:"63" doc:"Configured assistant kind"`
		Credential    string   `json:"credential" minLength:"1" maxLength:"255" doc:"Shared secret for the assistant kind"` //nolint:gosec // G117: handshake credential DTO
		Capabilities  []string `json:"capabilities,omitempty" doc:"Requested capability subset; empty grants the full allow-list"`
	}
}

type HandshakeOutput struct {
	Body struct {
		SessionID    string    `json:"session_id"`
		AccessToken  string    `json:"access_token"`  //nolint:gosec // G117: auth response DTO
		RefreshToken string    `json:"refresh_token"` //nolint:gosec // G117: auth response DTO
		ExpiresAt    time.Time `json:"expires_at"`
		Capabilities []string  `json:"capabilities"`
	}
}

type RefreshInput struct {
	Body struct {
		RefreshToken string `json:"refresh_token" minLength:"1" doc:"Single-use refresh token"` //nolint:gosec // G117: token refresh DTO
	}
}

type RefreshOutput struct {
	Body struct {
		AccessToken  string    `json:"access_token"`  //nolint:gosec // G117: auth response DTO
		RefreshToken string    `json:"refresh_token"` //nolint:gosec // G117: auth response DTO
		ExpiresAt    time.Time `json:"expires_at"`
	}
}

func registerAuthRoutes(api huma.API, authMgr *auth.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "handshake",
		Method:      http.MethodPost,
		Path:        "/auth/handshake",
		Summary:     "Open a session for an assistant adapter",
		Tags:        []string{"Auth"},
	}, func(_ context.Context, input *HandshakeInput) (*HandshakeOutput, error) {
		hs, err := authMgr.Authenticate(input.Body.AssistantKind, input.Body.Credential, input.Body.Capabilities)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidCredential):
				return nil, huma.Error401Unauthorized(string(domain.KindInvalidCredential))
			case errors.Is(err, domain.ErrCapabilityDenied):
				return nil, huma.Error403Forbidden(string(domain.KindCapabilityDenied))
			default:
				return nil, huma.Error500InternalServerError("handshake failed", err)
			}
		}

		out := &HandshakeOutput{}
		out.Body.SessionID = hs.Session.ID.String()
		out.Body.AccessToken = hs.AccessToken
		out.Body.RefreshToken = hs.RefreshToken
		out.Body.ExpiresAt = hs.ExpiresAt
		out.Body.Capabilities = hs.Session.CapabilityList()
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh",
		Method:      http.MethodPost,
		Path:        "/auth/refresh",
		Summary:     "Rotate a refresh token for a new token pair",
		Tags:        []string{"Auth"},
	}, func(_ context.Context, input *RefreshInput) (*RefreshOutput, error) {
		hs, err := authMgr.Refresh(input.Body.RefreshToken)
		if err != nil {
			if errors.Is(err, domain.ErrRefreshRevoked) {
				return nil, huma.Error401Unauthorized(string(domain.KindRefreshRevoked))
			}
			return nil, huma.Error500InternalServerError("refresh failed", err)
		}

		out := &RefreshOutput{}
		out.Body.AccessToken = hs.AccessToken
		out.Body.RefreshToken = hs.RefreshToken
		out.Body.ExpiresAt = hs.ExpiresAt
		return out, nil
	})
}

type RevokeOutput struct {
	Body struct {
		Revoked bool `json:"revoked"`
	}
}

// registerRevokeRoute registers explicit logout on the authenticated
// group: the caller revokes its own session.
func registerRevokeRoute(api huma.API, authMgr *auth.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "revoke",
		Method:      http.MethodPost,
		Path:        "/auth/revoke",
		Summary:     "Revoke the calling session",
		Tags:        []string{"Auth"},
	}, func(ctx context.Context, _ *struct{}) (*RevokeOutput, error) {
		session, ok := middleware.SessionFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized(string(domain.KindTokenInvalid))
		}

		authMgr.Revoke(session.ID)

		out := &RevokeOutput{}
		out.Body.Revoked = true
		return out, nil
	})
}
