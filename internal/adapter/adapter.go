// Package adapter is the client side of the broker: a thin protocol
// translator that turns an assistant front-end's native tool invocations
// into canonical envelopes, keeps a short-lived advisory cache, and
// retries transient failures with backoff. Adapters never share in-process
// state with the broker; everything crosses the Caller contract.
package adapter

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/koord/internal/cache"
	"github.com/gosuda/koord/internal/domain"
)

// Caller submits a canonical envelope to the broker and returns its single
// outcome. Satisfied by *dispatch.Dispatcher in-process and by an HTTP
// client against POST /v1/calls in a separate adapter process.
type Caller interface {
	Dispatch(ctx context.Context, accessToken string, env domain.ToolCallEnvelope) domain.ToolResult
}

// Options tunes retry behavior and the local cache.
type Options struct {
	// TopicTools maps a change topic to the tool names whose cached
	// results it covers, so ChangeEvents can be translated into local
	// invalidations.
	TopicTools map[string][]string
	// MutatingTools lists tools whose calls change broker state. Their
	// results never enter the local cache: a repeated identical mutation
	// must reach the broker again, not be answered from a stale entry.
	MutatingTools  []string
	LocalCacheSize int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

func (o *Options) fill() {
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
}

// Adapter is one assistant front-end's connection to the broker.
type Adapter struct {
	caller      Caller
	sessionID   uuid.UUID
	accessToken string
	local       *localCache
	mutating    map[string]struct{}
	opts        Options
}

// New creates an adapter bound to an authenticated session.
func New(caller Caller, sessionID uuid.UUID, accessToken string, opts Options) *Adapter {
	opts.fill()
	mutating := make(map[string]struct{}, len(opts.MutatingTools))
	for _, name := range opts.MutatingTools {
		mutating[name] = struct{}{}
	}
	return &Adapter{
		caller:      caller,
		sessionID:   sessionID,
		accessToken: accessToken,
		local:       newLocalCache(opts.LocalCacheSize),
		mutating:    mutating,
		opts:        opts,
	}
}

// SetAccessToken swaps in a rotated access token after a refresh.
func (a *Adapter) SetAccessToken(token string) {
	a.accessToken = token
}

// Invoke translates a native tool call into a canonical envelope and
// submits it. Local cache hits short-circuit read tools only — mutating
// tools always dispatch, so repeating the same mutation repeats its
// effect. RateLimited and HandlerTimeout outcomes are retried with capped
// exponential backoff plus jitter; client-error outcomes
// (InvalidArguments, CapabilityDenied, ...) are returned immediately and
// never retried.
func (a *Adapter) Invoke(ctx context.Context, toolName string, args map[string]any) (domain.ToolResult, error) {
	key := cache.Key(toolName, args)
	_, isMutating := a.mutating[toolName]

	if !isMutating {
		if result, ok := a.local.get(toolName, key); ok {
			result.FromCache = true
			return result, nil
		}
	}

	var result domain.ToolResult
	backoff := a.opts.BaseBackoff

	for attempt := 1; ; attempt++ {
		env := domain.ToolCallEnvelope{
			CallID:    uuid.New(),
			SessionID: a.sessionID,
			ToolName:  toolName,
			Arguments: args,
			Timestamp: time.Now().UTC(),
		}

		result = a.caller.Dispatch(ctx, a.accessToken, env)

		if result.Status == domain.StatusOK {
			if !isMutating {
				a.local.put(toolName, key, result)
			}
			return result, nil
		}

		if !retryableByAdapter(result.ErrorKind) || attempt >= a.opts.MaxAttempts {
			return result, nil
		}

		wait := backoff
		if result.ErrorKind == domain.KindRateLimited && result.RetryAfterMS > 0 {
			hinted := time.Duration(result.RetryAfterMS) * time.Millisecond
			if hinted > wait {
				wait = hinted
			}
		}
		// Full jitter keeps concurrent adapters from retrying in lockstep.
		wait = time.Duration(rand.Int63n(int64(wait)) + int64(wait)/2)

		log.Debug().
			Str("tool", toolName).
			Str("error_kind", string(result.ErrorKind)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("adapter: retrying transient failure")

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > a.opts.MaxBackoff {
			backoff = a.opts.MaxBackoff
		}
	}
}

// ConsumeEvents drains the session's ChangeEvent stream, discarding local
// entries covered by each event. Returns when the stream closes or ctx is
// cancelled. Run it on its own goroutine for the life of the session.
func (a *Adapter) ConsumeEvents(ctx context.Context, events <-chan domain.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			tools := a.opts.TopicTools[event.Topic]
			if len(tools) == 0 {
				continue
			}
			a.local.invalidate(tools, event.AffectedKeyHint)
		}
	}
}

// retryableByAdapter is narrower than ErrorKind.Retryable: HandlerFault
// already got its single automatic retry inside the dispatcher.
func retryableByAdapter(kind domain.ErrorKind) bool {
	return kind == domain.KindRateLimited || kind == domain.KindHandlerTimeout
}
