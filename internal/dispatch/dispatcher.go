// Package dispatch routes canonical tool-call envelopes through the
// broker pipeline: session verification, capability check, argument
// validation, rate limiting, cache lookup, handler invocation, cache
// write-through, change publication, and unconditional audit.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/koord/internal/audit"
	"github.com/gosuda/koord/internal/bus"
	"github.com/gosuda/koord/internal/cache"
	"github.com/gosuda/koord/internal/config"
	"github.com/gosuda/koord/internal/domain"
	"github.com/gosuda/koord/internal/registry"
)

// SessionVerifier resolves an access token to its live session. Satisfied
// by *auth.Manager.
type SessionVerifier interface {
	VerifyAccess(token string) (*domain.Session, error)
}

// Dispatcher executes the tool-call pipeline. All collaborators are
// injected interfaces so tests run against in-memory fakes. The registry
// is frozen before the dispatcher is built, so dispatch reads it without
// locking.
type Dispatcher struct {
	verifier SessionVerifier
	tools    *registry.Registry
	cache    cache.Cache
	bus      bus.Bus
	recorder *audit.Recorder
	limiter  *Limiter

	cacheCfg    config.CacheConfig
	dispatchCfg config.DispatchConfig

	version atomic.Uint64
}

// New wires a dispatcher.
func New(
	verifier SessionVerifier,
	tools *registry.Registry,
	c cache.Cache,
	b bus.Bus,
	recorder *audit.Recorder,
	limiter *Limiter,
	cacheCfg config.CacheConfig,
	dispatchCfg config.DispatchConfig,
) *Dispatcher {
	tools.Freeze()
	return &Dispatcher{
		verifier:    verifier,
		tools:       tools,
		cache:       c,
		bus:         b,
		recorder:    recorder,
		limiter:     limiter,
		cacheCfg:    cacheCfg,
		dispatchCfg: dispatchCfg,
	}
}

// Limiter exposes the rate limiter so revocation hooks can drop a
// session's buckets.
func (d *Dispatcher) Limiter() *Limiter {
	return d.limiter
}

// Dispatch runs one envelope through the pipeline and returns its single
// outcome. Every path, including every failure path, writes exactly one
// audit record.
func (d *Dispatcher) Dispatch(ctx context.Context, accessToken string, env domain.ToolCallEnvelope) domain.ToolResult {
	start := time.Now()

	// (1) Verify the session.
	sess, err := d.verifier.VerifyAccess(accessToken)
	if err != nil {
		return d.fail(ctx, env, "", start, nil, err, "")
	}
	if env.SessionID != sess.ID {
		return d.fail(ctx, env, "", start, nil, domain.ErrTokenInvalid, "envelope session does not match token")
	}

	tool, ok := d.tools.Lookup(env.ToolName)
	if !ok {
		return d.fail(ctx, env, "", start, nil, domain.ErrUnknownTool, "")
	}

	// (2) Capability check against the set fixed at issuance.
	if tool.Capability != "" && !sess.Can(tool.Capability) {
		return d.fail(ctx, env, "", start, nil, domain.ErrCapabilityDenied, string(tool.Capability))
	}

	// (3) Argument validation.
	if err := tool.ValidateArguments(env.Arguments); err != nil {
		return d.fail(ctx, env, "", start, nil, err, "")
	}

	key := cache.Key(env.ToolName, env.Arguments)

	// (4) Rate limit per (session, tool).
	if allowed, retryAfter := d.limiter.Allow(sess.ID, env.ToolName, tool.Class); !allowed {
		result := d.fail(ctx, env, key, start, nil, domain.ErrRateLimited, "")
		result.RetryAfterMS = retryAfterMS(retryAfter)
		return result
	}

	var warnings []string

	// (5) Cache lookup. A hit represents no new state change: it bypasses
	// the handler and the sync bus entirely.
	ttl := d.cacheTTL(tool)
	if ttl > 0 {
		cached, hit, cacheErr := d.cache.Get(ctx, tool.Topic, key)
		if cacheErr != nil {
			warnings = append(warnings, "cache_unavailable: "+cacheErr.Error())
			log.Warn().Err(cacheErr).Str("tool", env.ToolName).Msg("cache lookup degraded, bypassing")
		} else if hit {
			result := domain.ToolResult{
				CallID:    env.CallID,
				Status:    domain.StatusOK,
				Payload:   json.RawMessage(cached),
				LatencyMS: latencyMS(start),
				FromCache: true,
			}
			d.audit(ctx, env, key, result, warnings)
			return result
		}
	}

	// (6) Handler invocation under a bounded deadline, with a single
	// automatic retry on an unexpected fault.
	payload, err := d.invoke(ctx, tool, env.Arguments)
	if err != nil {
		if errors.Is(err, domain.ErrHandlerFault) {
			log.Warn().Err(err).Str("tool", env.ToolName).Str("call_id", env.CallID.String()).Msg("handler fault, retrying once")
			payload, err = d.invoke(ctx, tool, env.Arguments)
		}
		if err != nil {
			return d.fail(ctx, env, key, start, warnings, err, "")
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return d.fail(ctx, env, key, start, warnings, fmt.Errorf("marshal payload: %w", domain.ErrHandlerFault), err.Error())
	}

	// (7) Write-through and change publication. A mutation first flushes
	// the topic so no pre-mutation entry survives, then caches its own
	// result, then notifies other sessions. Degraded tiers are bypassed,
	// never fatal.
	if tool.Mutating {
		if invErr := d.cache.Invalidate(ctx, tool.Topic, ""); invErr != nil {
			warnings = append(warnings, "cache_unavailable: "+invErr.Error())
			log.Warn().Err(invErr).Str("topic", tool.Topic).Msg("cache invalidation degraded")
		}
	}
	if ttl > 0 {
		if setErr := d.cache.Set(ctx, tool.Topic, key, raw, ttl); setErr != nil {
			warnings = append(warnings, "cache_unavailable: "+setErr.Error())
			log.Warn().Err(setErr).Str("tool", env.ToolName).Msg("cache write-through degraded")
		}
	}
	if tool.Mutating {
		event := domain.ChangeEvent{
			Topic:           tool.Topic,
			OriginSessionID: sess.ID,
			VersionStamp:    d.version.Add(1),
		}
		if pubErr := d.bus.Publish(ctx, event); pubErr != nil {
			warnings = append(warnings, "bus_unavailable: "+pubErr.Error())
			log.Warn().Err(pubErr).Str("topic", tool.Topic).Msg("change publication skipped, bus degraded")
		}
	}

	result := domain.ToolResult{
		CallID:    env.CallID,
		Status:    domain.StatusOK,
		Payload:   json.RawMessage(raw),
		LatencyMS: latencyMS(start),
	}

	// (8) Audit unconditionally.
	d.audit(ctx, env, key, result, warnings)
	return result
}

// invoke runs the handler with its deadline and converts every unexpected
// outcome into the taxonomy: deadline hits become HandlerTimeout, panics
// and plain errors become HandlerFault.
func (d *Dispatcher) invoke(ctx context.Context, tool *registry.Tool, args map[string]any) (payload any, err error) {
	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = d.dispatchCfg.ReadHandlerTimeout
		if tool.Class == registry.ClassWrite {
			timeout = d.dispatchCfg.WriteHandlerTimeout
		}
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = fmt.Errorf("handler panic: %v: %w", r, domain.ErrHandlerFault)
		}
	}()

	payload, err = tool.Handler(hctx, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || hctx.Err() != nil {
			return nil, fmt.Errorf("%v: %w", err, domain.ErrHandlerTimeout)
		}
		return nil, fmt.Errorf("%v: %w", err, domain.ErrHandlerFault)
	}

	return payload, nil
}

// fail builds an error result and audits it.
func (d *Dispatcher) fail(ctx context.Context, env domain.ToolCallEnvelope, key string, start time.Time, warnings []string, err error, detail string) domain.ToolResult {
	kind := domain.KindOf(err)
	status := domain.StatusError
	if kind == domain.KindHandlerTimeout {
		status = domain.StatusTimeout
	}

	if detail == "" {
		detail = err.Error()
	}

	result := domain.ToolResult{
		CallID:    env.CallID,
		Status:    status,
		ErrorKind: kind,
		Detail:    detail,
		LatencyMS: latencyMS(start),
	}

	d.audit(ctx, env, key, result, warnings)
	return result
}

func (d *Dispatcher) audit(ctx context.Context, env domain.ToolCallEnvelope, key string, result domain.ToolResult, warnings []string) {
	d.recorder.Record(ctx, domain.AuditRecord{
		CallID:    env.CallID,
		SessionID: env.SessionID,
		ToolName:  env.ToolName,
		ArgHash:   key,
		Status:    result.Status,
		ErrorKind: result.ErrorKind,
		LatencyMS: result.LatencyMS,
		Warnings:  warnings,
		Timestamp: time.Now(),
	})
}

// cacheTTL resolves a tool's broker-cache TTL: the per-tool override if
// set, otherwise the class default.
func (d *Dispatcher) cacheTTL(tool *registry.Tool) time.Duration {
	if tool.CacheTTL != 0 {
		if tool.CacheTTL < 0 {
			return 0
		}
		return tool.CacheTTL
	}
	if tool.Class == registry.ClassWrite {
		return d.cacheCfg.WriteTTL
	}
	return d.cacheCfg.ReadTTL
}

func latencyMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

func retryAfterMS(d time.Duration) int64 {
	ms := d.Milliseconds()
	if d > 0 && ms == 0 {
		ms = 1
	}
	if ms < 1 {
		ms = 1
	}
	return ms
}
