package observe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jastroger/ha-nest-protect/internal/core/auth"
	"github.com/Jastroger/ha-nest-protect/internal/core/state"
	"github.com/Jastroger/ha-nest-protect/internal/core/transport"
)

// --- test doubles ---

type fakeTokens struct {
	mu        sync.Mutex
	tokenErr  error
	refreshes int
}

func (f *fakeTokens) Token(context.Context) (auth.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return auth.Credential{}, f.tokenErr
	}
	return auth.Credential{JWT: "jwt", UserID: "user-1"}, nil
}

func (f *fakeTokens) ForceRefresh(context.Context) (auth.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.tokenErr != nil {
		return auth.Credential{}, f.tokenErr
	}
	return auth.Credential{JWT: "jwt-2", UserID: "user-1"}, nil
}

type fakeAPI struct {
	mu        sync.Mutex
	launches  int
	launchErr error
	snapshot  []transport.Object

	puts    []transport.Object
	czfeURL string
}

func (f *fakeAPI) Launch(context.Context, []string) (*transport.LaunchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	resp := &transport.LaunchResponse{UpdatedBuckets: f.snapshot}
	resp.ServiceURLs.URLs.TransportURL = "https://transport.example.com"
	resp.ServiceURLs.URLs.CzfeURL = "https://czfe.example.com"
	return resp, nil
}

func (f *fakeAPI) PutObjects(_ context.Context, czfeURL string, objects []transport.Object) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.czfeURL = czfeURL
	f.puts = append(f.puts, objects...)
	return nil
}

func (f *fakeAPI) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

// fakeConn feeds scripted chunks to the read loop, then blocks until closed.
type fakeConn struct {
	chunks  chan []byte
	readErr error

	mu     sync.Mutex
	sent   []any
	closed bool
	done   chan struct{}
}

func newFakeConn(chunks ...[]byte) *fakeConn {
	c := &fakeConn{
		chunks: make(chan []byte, len(chunks)+1),
		done:   make(chan struct{}),
	}
	for _, chunk := range chunks {
		c.chunks <- chunk
	}
	return c
}

func (c *fakeConn) Send(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

// Read deliberately ignores ctx, like the real WebSocket conn: only closing
// the connection unblocks it.
func (c *fakeConn) Read(context.Context) ([]byte, error) {
	select {
	case chunk := <-c.chunks:
		return chunk, nil
	case <-c.done:
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) Ping() error                     { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentFrames() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.sent...)
}

// fakeDialer hands out one conn per Dial call.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dials   int
	dialErr error
}

func (d *fakeDialer) Dial(context.Context, string, auth.Credential) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	if len(d.conns) == 0 {
		c := newFakeConn()
		d.conns = append(d.conns, c)
		return c, nil
	}
	c := d.conns[0]
	if len(d.conns) > 1 {
		d.conns = d.conns[1:]
	}
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func record(key string, rev int64, value map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"object_key":      key,
		"object_revision": rev,
		"value":           value,
	})
	return append(b, '\n')
}

func newTestSync(api *fakeAPI, dialer *fakeDialer, tokens *fakeTokens) (*Synchronizer, *state.Cache, *state.EventBus) {
	log := slog.Default()
	cache := state.NewCache(log)
	bus := state.NewEventBus(log)
	s := New(api, dialer, tokens, cache, bus, Config{
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
		IdleTimeout: 5 * time.Second,
	}, log)
	return s, cache, bus
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

// --- tests ---

func TestSynchronizer_SnapshotAndStreamApply(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{snapshot: []transport.Object{
		{ObjectKey: "topaz.1", ObjectRevision: 1, Value: map[string]any{"co_status": float64(0)}},
	}}
	conn := newFakeConn(record("topaz.1", 2, map[string]any{"co_status": float64(3)}))
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	tokens := &fakeTokens{}

	s, cache, bus := newTestSync(api, dialer, tokens)
	events, unsub := bus.Subscribe(8)
	defer unsub()

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	select {
	case evt := <-events:
		require.Equal(t, state.EventConnected, evt.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("expected connected event")
	}

	waitFor(t, func() bool {
		rec, ok := cache.Get("topaz.1")
		return ok && rec.Revision == 2
	}, "stream update not applied")

	rec, _ := cache.Get("topaz.1")
	v, _ := rec.Float("co_status")
	require.Equal(t, float64(3), v)

	// The subscription frame seeds the snapshot's revisions.
	frames := conn.sentFrames()
	require.Len(t, frames, 1)
	frame := frames[0].(map[string]any)
	objects := frame["objects"].([]transport.Object)
	require.Len(t, objects, 1)
	require.Equal(t, "topaz.1", objects[0].ObjectKey)
	require.Equal(t, int64(1), objects[0].ObjectRevision)
}

func TestSynchronizer_ReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	tokens := &fakeTokens{}

	s, _, _ := newTestSync(api, dialer, tokens)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	waitFor(t, func() bool { return dialer.dialCount() == 1 }, "first dial missing")
	first.Close() // simulate transport drop

	waitFor(t, func() bool { return dialer.dialCount() == 2 }, "no reconnect after drop")
	waitFor(t, func() bool { return api.launchCount() == 2 }, "reconnect must refetch the snapshot")
}

func TestSynchronizer_ResetTriggersImmediateResync(t *testing.T) {
	t.Parallel()

	resync, _ := json.Marshal(map[string]any{"op": "RESYNC"})
	conn := newFakeConn(append(resync, '\n'))
	api := &fakeAPI{}
	dialer := &fakeDialer{conns: []*fakeConn{conn, newFakeConn()}}
	tokens := &fakeTokens{}

	s, _, _ := newTestSync(api, dialer, tokens)

	start := time.Now()
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	waitFor(t, func() bool { return api.launchCount() == 2 }, "reset must refetch the snapshot")
	// No backoff on resync: the second launch happens almost immediately.
	require.Less(t, time.Since(start), 2*time.Second)
	require.True(t, conn.isClosed())
}

func TestSynchronizer_AuthExpiredParksUntilWake(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	dialer := &fakeDialer{}
	tokens := &fakeTokens{tokenErr: fmt.Errorf("%w: revoked", auth.ErrAuthExpired)}

	s, _, bus := newTestSync(api, dialer, tokens)
	events, unsub := bus.Subscribe(8)
	defer unsub()

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	select {
	case evt := <-events:
		require.Equal(t, state.EventAuthRequired, evt.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("expected auth-required event")
	}

	// Parked: no retry storm against the token endpoint.
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, api.launchCount())
	require.True(t, s.AuthRequired())

	tokens.mu.Lock()
	tokens.tokenErr = nil
	tokens.mu.Unlock()
	s.Wake()

	waitFor(t, func() bool { return api.launchCount() >= 1 }, "wake must resume the connect cycle")
	require.False(t, s.AuthRequired())
}

func TestSynchronizer_NoCredentialParksUntilWake(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	dialer := &fakeDialer{}
	tokens := &fakeTokens{tokenErr: auth.ErrNoCredential}

	s, _, bus := newTestSync(api, dialer, tokens)
	events, unsub := bus.Subscribe(8)
	defer unsub()

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	// A daemon with nothing to authenticate with parks instead of
	// retry-looping through the connect cycle.
	select {
	case evt := <-events:
		require.Equal(t, state.EventAuthRequired, evt.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("expected auth-required event")
	}
	require.True(t, s.AuthRequired())

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, api.launchCount())

	tokens.mu.Lock()
	tokens.tokenErr = nil
	tokens.mu.Unlock()
	s.Wake()

	waitFor(t, func() bool { return api.launchCount() >= 1 }, "wake must resume the connect cycle")
	require.False(t, s.AuthRequired())
}

func TestSynchronizer_StopClosesConnection(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	api := &fakeAPI{}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	tokens := &fakeTokens{}

	s, cache, _ := newTestSync(api, dialer, tokens)
	require.NoError(t, s.Start(context.Background()))

	waitFor(t, func() bool { return s.Connected() }, "never reached streaming")

	// Stop must unblock the in-flight read by closing the connection, well
	// before any idle-read deadline would fire.
	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the in-flight read")
	}

	require.True(t, conn.isClosed())
	require.Equal(t, PhaseDisconnected, s.Phase())

	// No cache mutations after stop.
	before := len(cache.Snapshot())
	conn.chunks <- record("topaz.9", 1, map[string]any{"late": float64(1)})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, before, len(cache.Snapshot()))
}

func TestSynchronizer_DialFailureRefreshesOnce(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	dialer := &fakeDialer{dialErr: errors.New("handshake failed")}
	tokens := &fakeTokens{}

	s, _, _ := newTestSync(api, dialer, tokens)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	waitFor(t, func() bool {
		tokens.mu.Lock()
		defer tokens.mu.Unlock()
		return tokens.refreshes >= 1
	}, "dial failure must force a token refresh")
	require.GreaterOrEqual(t, dialer.dialCount(), 2, "retry with the refreshed credential")
}

func TestSynchronizer_WriteRequiresSession(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSync(&fakeAPI{}, &fakeDialer{}, &fakeTokens{})

	err := s.SetNightLight(context.Background(), "topaz.1", true)
	require.Error(t, err, "writes need the session write endpoint from app_launch")
}

func TestSynchronizer_WritesMergeThroughSessionEndpoint(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	dialer := &fakeDialer{}
	tokens := &fakeTokens{}

	s, _, _ := newTestSync(api, dialer, tokens)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	waitFor(t, func() bool { return s.Connected() }, "never reached streaming")

	require.NoError(t, s.SetNightLight(context.Background(), "topaz.1", true))
	require.NoError(t, s.SetNightLightBrightness(context.Background(), "topaz.1", 2))
	require.Error(t, s.SetNightLightBrightness(context.Background(), "topaz.1", 4), "brightness outside 1..3")

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Equal(t, "https://czfe.example.com", api.czfeURL)
	require.Len(t, api.puts, 2)
	require.Equal(t, "MERGE", api.puts[0].Op)
	require.Equal(t, map[string]any{"night_light_enable": true}, api.puts[0].Value)
	require.Equal(t, map[string]any{"night_light_brightness": 2}, api.puts[1].Value)
}

var _ API = (*fakeAPI)(nil)
var _ transport.Conn = (*fakeConn)(nil)
var _ transport.Dialer = (*fakeDialer)(nil)
var _ transport.TokenSource = (*fakeTokens)(nil)
