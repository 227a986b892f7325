package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/koord/internal/audit"
	"github.com/gosuda/koord/internal/bus"
	"github.com/gosuda/koord/internal/cache"
	"github.com/gosuda/koord/internal/config"
	"github.com/gosuda/koord/internal/dispatch"
	"github.com/gosuda/koord/internal/domain"
	"github.com/gosuda/koord/internal/registry"
)

type fakeVerifier struct {
	sessions map[string]*domain.Session
}

func (f *fakeVerifier) VerifyAccess(token string) (*domain.Session, error) {
	sess, ok := f.sessions[token]
	if !ok {
		return nil, domain.ErrTokenInvalid
	}
	return sess, nil
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}
func (brokenCache) Set(context.Context, string, string, []byte, time.Duration) error {
	return errors.New("cache down")
}
func (brokenCache) Invalidate(context.Context, string, string) error {
	return errors.New("cache down")
}

type brokenBus struct{}

func (brokenBus) Publish(context.Context, domain.ChangeEvent) error {
	return errors.New("bus down")
}
func (brokenBus) Subscribe(context.Context, uuid.UUID, []string) (<-chan domain.ChangeEvent, func(), error) {
	return nil, nil, errors.New("bus down")
}
func (brokenBus) Unsubscribe(uuid.UUID) {}

type harness struct {
	verifier *fakeVerifier
	bus      *bus.Memory
	sink     *audit.Memory
	d        *dispatch.Dispatcher
}

func generousLimits() config.LimitsConfig {
	return config.LimitsConfig{
		ReadRate: 1000, ReadBurst: 1000,
		WriteRate: 1000, WriteBurst: 1000,
		AuthRate: 1, AuthBurst: 5,
	}
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		ReadHandlerTimeout:  time.Second,
		WriteHandlerTimeout: time.Second,
		AuditTimeout:        100 * time.Millisecond,
	}
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		Backend:  "memory",
		ReadTTL:  time.Minute,
		WriteTTL: 5 * time.Second,
	}
}

func newHarness(t *testing.T, specs []registry.Spec, limits config.LimitsConfig, c cache.Cache, b bus.Bus) *harness {
	t.Helper()

	reg := registry.New()
	for _, spec := range specs {
		require.NoError(t, reg.Register(spec))
	}

	sink := audit.NewMemory()
	verifier := &fakeVerifier{sessions: make(map[string]*domain.Session)}

	var memBus *bus.Memory
	if b == nil {
		memBus = bus.NewMemory()
		b = memBus
	}
	if c == nil {
		c = cache.NewMemory()
	}

	d := dispatch.New(
		verifier,
		reg,
		c,
		b,
		audit.NewRecorder(sink, 100*time.Millisecond),
		dispatch.NewLimiter(limits),
		testCacheConfig(),
		testDispatchConfig(),
	)

	return &harness{verifier: verifier, bus: memBus, sink: sink, d: d}
}

func (h *harness) addSession(token string, caps ...domain.Capability) *domain.Session {
	capSet := make(map[domain.Capability]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}
	now := time.Now()
	sess := &domain.Session{
		ID:            uuid.New(),
		AssistantKind: "assistant-x",
		IssuedAt:      now,
		ExpiresAt:     now.Add(time.Hour),
		Capabilities:  capSet,
		State:         domain.SessionActive,
	}
	h.verifier.sessions[token] = sess
	return sess
}

func envelope(sess *domain.Session, tool string, args map[string]any) domain.ToolCallEnvelope {
	return domain.ToolCallEnvelope{
		CallID:    uuid.New(),
		SessionID: sess.ID,
		ToolName:  tool,
		Arguments: args,
		Timestamp: time.Now().UTC(),
	}
}

func countingReadSpec(name string, calls *atomic.Int64) registry.Spec {
	return registry.Spec{
		Name:       name,
		Class:      registry.ClassRead,
		Capability: "notes.read",
		Topic:      "notes",
		ArgumentSchema: map[string]any{
			"type":                 "object",
			"required":             []any{"id"},
			"additionalProperties": false,
			"properties": map[string]any{
				"id": map[string]any{"type": "string", "minLength": 1},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return map[string]any{"id": args["id"], "body": "hello"}, nil
		},
	}
}

func mutatingSpec(name string) registry.Spec {
	return registry.Spec{
		Name:       name,
		Class:      registry.ClassWrite,
		Capability: "notes.write",
		Mutating:   true,
		Topic:      "notes",
		CacheTTL:   -1,
		Handler: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"stored": true}, nil
		},
	}
}

func TestDispatch_SuccessAndCacheHit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var calls atomic.Int64
	h := newHarness(t, []registry.Spec{countingReadSpec("notes.get", &calls)}, generousLimits(), nil, nil)
	sess := h.addSession("tok", "notes.read")

	first := h.d.Dispatch(ctx, "tok", envelope(sess, "notes.get", map[string]any{"id": "n1"}))
	require.Equal(t, domain.StatusOK, first.Status)
	assert.False(t, first.FromCache)
	assert.Empty(t, first.ErrorKind)
	assert.JSONEq(t, `{"id":"n1","body":"hello"}`, string(first.Payload.(json.RawMessage)))
	assert.Equal(t, int64(1), calls.Load())

	// A semantically identical call is served from cache without touching
	// the handler, byte-for-byte identical payload.
	second := h.d.Dispatch(ctx, "tok", envelope(sess, "notes.get", map[string]any{"id": " N1 "}))
	require.Equal(t, domain.StatusOK, second.Status)
	assert.True(t, second.FromCache)
	assert.Equal(t, int64(1), calls.Load())

	records := h.sink.Records()
	require.Len(t, records, 2)
	assert.Equal(t, domain.StatusOK, records[0].Status)
	assert.Equal(t, domain.StatusOK, records[1].Status)
	assert.Equal(t, records[0].ArgHash, records[1].ArgHash)
}

func TestDispatch_AuthFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var calls atomic.Int64
	h := newHarness(t, []registry.Spec{countingReadSpec("notes.get", &calls)}, generousLimits(), nil, nil)
	sess := h.addSession("tok", "notes.read")

	t.Run("unknown token", func(t *testing.T) {
		result := h.d.Dispatch(ctx, "bogus", envelope(sess, "notes.get", map[string]any{"id": "n1"}))
		assert.Equal(t, domain.StatusError, result.Status)
		assert.Equal(t, domain.KindTokenInvalid, result.ErrorKind)
	})

	t.Run("envelope session mismatch", func(t *testing.T) {
		env := envelope(sess, "notes.get", map[string]any{"id": "n1"})
		env.SessionID = uuid.New()
		result := h.d.Dispatch(ctx, "tok", env)
		assert.Equal(t, domain.KindTokenInvalid, result.ErrorKind)
	})

	t.Run("unknown tool", func(t *testing.T) {
		result := h.d.Dispatch(ctx, "tok", envelope(sess, "notes.delete", nil))
		assert.Equal(t, domain.KindUnknownTool, result.ErrorKind)
	})

	t.Run("capability denied", func(t *testing.T) {
		limited := h.addSession("tok-limited") // no capabilities at all
		result := h.d.Dispatch(ctx, "tok-limited", envelope(limited, "notes.get", map[string]any{"id": "n1"}))
		assert.Equal(t, domain.KindCapabilityDenied, result.ErrorKind)
	})

	assert.Zero(t, calls.Load(), "failed calls must not reach the handler")
	// Every failure path still audits.
	assert.Len(t, h.sink.Records(), 4)
}

func TestDispatch_InvalidArguments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var calls atomic.Int64
	h := newHarness(t, []registry.Spec{countingReadSpec("notes.get", &calls)}, generousLimits(), nil, nil)
	sess := h.addSession("tok", "notes.read")

	tests := []struct {
		name string
		args map[string]any
	}{
		{name: "missing required", args: map[string]any{}},
		{name: "wrong type", args: map[string]any{"id": float64(42)}},
		{name: "unknown property", args: map[string]any{"id": "n1", "extra": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := h.d.Dispatch(ctx, "tok", envelope(sess, "notes.get", tt.args))
			assert.Equal(t, domain.StatusError, result.Status)
			assert.Equal(t, domain.KindInvalidArguments, result.ErrorKind)
		})
	}

	assert.Zero(t, calls.Load())
}

func TestDispatch_RateLimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	limits := generousLimits()
	limits.WriteRate = 0.001
	limits.WriteBurst = 1

	h := newHarness(t, []registry.Spec{mutatingSpec("notes.put")}, limits, nil, nil)
	sess := h.addSession("tok", "notes.write")

	first := h.d.Dispatch(ctx, "tok", envelope(sess, "notes.put", nil))
	require.Equal(t, domain.StatusOK, first.Status)

	second := h.d.Dispatch(ctx, "tok", envelope(sess, "notes.put", nil))
	assert.Equal(t, domain.StatusError, second.Status)
	assert.Equal(t, domain.KindRateLimited, second.ErrorKind)
	assert.GreaterOrEqual(t, second.RetryAfterMS, int64(1))

	// The other session's bucket is untouched.
	other := h.addSession("tok2", "notes.write")
	third := h.d.Dispatch(ctx, "tok2", envelope(other, "notes.put", nil))
	assert.Equal(t, domain.StatusOK, third.Status)
}

func TestDispatch_MutationPublishesAndInvalidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var reads atomic.Int64
	h := newHarness(t, []registry.Spec{
		countingReadSpec("notes.get", &reads),
		mutatingSpec("notes.put"),
	}, generousLimits(), nil, nil)

	writer := h.addSession("tok-w", "notes.read", "notes.write")
	reader := h.addSession("tok-r", "notes.read")

	writerCh, stopW, err := h.bus.Subscribe(ctx, writer.ID, []string{"notes"})
	require.NoError(t, err)
	defer stopW()
	readerCh, stopR, err := h.bus.Subscribe(ctx, reader.ID, []string{"notes"})
	require.NoError(t, err)
	defer stopR()

	// Populate the cache from the reader's session.
	result := h.d.Dispatch(ctx, "tok-r", envelope(reader, "notes.get", map[string]any{"id": "n1"}))
	require.Equal(t, domain.StatusOK, result.Status)
	require.Equal(t, int64(1), reads.Load())

	// Mutate from the writer's session.
	put := h.d.Dispatch(ctx, "tok-w", envelope(writer, "notes.put", nil))
	require.Equal(t, domain.StatusOK, put.Status)

	// The reader sees the ChangeEvent; the writer (origin) does not.
	select {
	case event := <-readerCh:
		assert.Equal(t, "notes", event.Topic)
		assert.Equal(t, writer.ID, event.OriginSessionID)
		assert.NotZero(t, event.VersionStamp)
	case <-time.After(time.Second):
		t.Fatal("reader never received the change event")
	}
	select {
	case event := <-writerCh:
		t.Fatalf("origin session received its own event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}

	// The pre-mutation cache entry is gone: the next read hits the handler.
	again := h.d.Dispatch(ctx, "tok-r", envelope(reader, "notes.get", map[string]any{"id": "n1"}))
	require.Equal(t, domain.StatusOK, again.Status)
	assert.False(t, again.FromCache)
	assert.Equal(t, int64(2), reads.Load())
}

func TestDispatch_VersionStampsIncrease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, []registry.Spec{mutatingSpec("notes.put")}, generousLimits(), nil, nil)
	writer := h.addSession("tok", "notes.write")
	observer := h.addSession("tok-o")

	ch, stop, err := h.bus.Subscribe(ctx, observer.ID, []string{"notes"})
	require.NoError(t, err)
	defer stop()

	for i := 0; i < 3; i++ {
		require.Equal(t, domain.StatusOK, h.d.Dispatch(ctx, "tok", envelope(writer, "notes.put", nil)).Status)
	}

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case event := <-ch:
			assert.Greater(t, event.VersionStamp, last)
			last = event.VersionStamp
		case <-time.After(time.Second):
			t.Fatal("missing change event")
		}
	}
}

func TestDispatch_HandlerTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	spec := registry.Spec{
		Name:       "notes.slow",
		Class:      registry.ClassRead,
		Capability: "notes.read",
		Topic:      "notes",
		CacheTTL:   -1,
		Timeout:    20 * time.Millisecond,
		Handler: func(hctx context.Context, _ map[string]any) (any, error) {
			<-hctx.Done()
			return nil, hctx.Err()
		},
	}

	h := newHarness(t, []registry.Spec{spec}, generousLimits(), nil, nil)
	sess := h.addSession("tok", "notes.read")

	result := h.d.Dispatch(ctx, "tok", envelope(sess, "notes.slow", nil))
	assert.Equal(t, domain.StatusTimeout, result.Status)
	assert.Equal(t, domain.KindHandlerTimeout, result.ErrorKind)

	records := h.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StatusTimeout, records[0].Status)
	assert.Equal(t, domain.KindHandlerTimeout, records[0].ErrorKind)
}

func TestDispatch_HandlerFaultRetriedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("second attempt succeeds", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int64
		spec := registry.Spec{
			Name:       "notes.flaky",
			Class:      registry.ClassRead,
			Capability: "notes.read",
			Topic:      "notes",
			CacheTTL:   -1,
			Handler: func(context.Context, map[string]any) (any, error) {
				if calls.Add(1) == 1 {
					return nil, errors.New("transient store hiccup")
				}
				return map[string]any{"ok": true}, nil
			},
		}

		h := newHarness(t, []registry.Spec{spec}, generousLimits(), nil, nil)
		sess := h.addSession("tok", "notes.read")

		result := h.d.Dispatch(ctx, "tok", envelope(sess, "notes.flaky", nil))
		assert.Equal(t, domain.StatusOK, result.Status)
		assert.Equal(t, int64(2), calls.Load())
		// One call, one audit record, despite the internal retry.
		assert.Len(t, h.sink.Records(), 1)
	})

	t.Run("persistent panic surfaces as fault", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int64
		spec := registry.Spec{
			Name:       "notes.broken",
			Class:      registry.ClassRead,
			Capability: "notes.read",
			Topic:      "notes",
			CacheTTL:   -1,
			Handler: func(context.Context, map[string]any) (any, error) {
				calls.Add(1)
				panic("nil map write")
			},
		}

		h := newHarness(t, []registry.Spec{spec}, generousLimits(), nil, nil)
		sess := h.addSession("tok", "notes.read")

		result := h.d.Dispatch(ctx, "tok", envelope(sess, "notes.broken", nil))
		assert.Equal(t, domain.StatusError, result.Status)
		assert.Equal(t, domain.KindHandlerFault, result.ErrorKind)
		assert.Equal(t, int64(2), calls.Load(), "exactly one automatic retry")
	})
}

func TestDispatch_DegradedCacheBypassed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var calls atomic.Int64
	h := newHarness(t, []registry.Spec{countingReadSpec("notes.get", &calls)}, generousLimits(), brokenCache{}, nil)
	sess := h.addSession("tok", "notes.read")

	for i := 0; i < 2; i++ {
		result := h.d.Dispatch(ctx, "tok", envelope(sess, "notes.get", map[string]any{"id": "n1"}))
		require.Equal(t, domain.StatusOK, result.Status)
		assert.False(t, result.FromCache)
	}
	// Every call reaches the handler while the cache tier is down.
	assert.Equal(t, int64(2), calls.Load())

	records := h.sink.Records()
	require.Len(t, records, 2)
	assert.NotEmpty(t, records[0].Warnings)
	assert.Contains(t, records[0].Warnings[0], "cache_unavailable")
}

func TestDispatch_DegradedBusBypassed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, []registry.Spec{mutatingSpec("notes.put")}, generousLimits(), nil, brokenBus{})
	sess := h.addSession("tok", "notes.write")

	result := h.d.Dispatch(ctx, "tok", envelope(sess, "notes.put", nil))
	assert.Equal(t, domain.StatusOK, result.Status)

	records := h.sink.Records()
	require.Len(t, records, 1)
	require.NotEmpty(t, records[0].Warnings)
	assert.Contains(t, records[0].Warnings[0], "bus_unavailable")
}
