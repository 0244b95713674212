// Package observe owns the cloud synchronization lifecycle: authenticate,
// fetch the full bucket snapshot, stream deltas, and reconnect with backoff.
package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Jastroger/ha-nest-protect/internal/core/auth"
	"github.com/Jastroger/ha-nest-protect/internal/core/state"
	"github.com/Jastroger/ha-nest-protect/internal/core/stream"
	"github.com/Jastroger/ha-nest-protect/internal/core/transport"
)

// Phase is the synchronizer's connection state.
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseAuthenticating
	PhaseFetchingSnapshot
	PhaseStreaming
	PhaseReconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseFetchingSnapshot:
		return "fetching_snapshot"
	case PhaseStreaming:
		return "streaming"
	case PhaseReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// errResync signals a server-requested full resync: reconnect immediately,
// skipping backoff, keeping the credential.
var errResync = errors.New("observe: server requested resync")

// API is the REST surface the synchronizer needs. *transport.Client
// satisfies it.
type API interface {
	Launch(ctx context.Context, bucketTypes []string) (*transport.LaunchResponse, error)
	PutObjects(ctx context.Context, czfeURL string, objects []transport.Object) error
}

// Config holds the synchronizer's tuning parameters.
type Config struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	IdleTimeout time.Duration
	// WriteLimit caps cloud MERGE writes; zero means a permissive default.
	WriteLimit rate.Limit
	WriteBurst int
}

func (c *Config) withDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 2 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.WriteLimit <= 0 {
		c.WriteLimit = rate.Every(5 * time.Second)
	}
	if c.WriteBurst <= 0 {
		c.WriteBurst = 4
	}
}

// Synchronizer maintains the observe session for one config entry. It is the
// cache's single writer; its run loop is the only goroutine that applies
// updates.
type Synchronizer struct {
	api    API
	dialer transport.Dialer
	tokens transport.TokenSource
	cache  *state.Cache
	bus    *state.EventBus
	dec    *stream.Decoder
	cfg    Config
	log    *slog.Logger

	phase      atomic.Int32
	authParked atomic.Bool

	conn   transport.Conn
	connMu sync.Mutex

	urlMu        sync.Mutex
	transportURL string
	czfeURL      string

	writeLimiter *rate.Limiter

	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool
	wakeCh  chan struct{}
}

// New creates a synchronizer.
func New(
	api API,
	dialer transport.Dialer,
	tokens transport.TokenSource,
	cache *state.Cache,
	bus *state.EventBus,
	cfg Config,
	log *slog.Logger,
) *Synchronizer {
	cfg.withDefaults()
	return &Synchronizer{
		api:          api,
		dialer:       dialer,
		tokens:       tokens,
		cache:        cache,
		bus:          bus,
		dec:          stream.NewDecoder(log),
		cfg:          cfg,
		log:          log,
		writeLimiter: rate.NewLimiter(cfg.WriteLimit, cfg.WriteBurst),
		wakeCh:       make(chan struct{}, 1),
	}
}

// Start launches the run loop. It reconnects with exponential backoff until
// Stop is called or the context is cancelled.
func (s *Synchronizer) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("observe: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.running.Store(true)

	go s.runLoop(ctx)
	return nil
}

// Stop cancels the run loop and waits for it to release the connection. Safe
// to call concurrently with an active read.
func (s *Synchronizer) Stop(_ context.Context) error {
	if !s.running.Load() {
		return nil
	}
	s.cancel()
	<-s.stopped
	s.running.Store(false)
	return nil
}

// Wake interrupts a backoff or auth-required park and reconnects
// immediately. Called after re-authentication installs a fresh credential.
func (s *Synchronizer) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Phase returns the current connection phase.
func (s *Synchronizer) Phase() Phase {
	return Phase(s.phase.Load())
}

// Connected reports whether the observe stream is live.
func (s *Synchronizer) Connected() bool {
	return s.Phase() == PhaseStreaming
}

// AuthRequired reports whether the run loop is parked waiting for
// re-authentication, as opposed to merely disconnected.
func (s *Synchronizer) AuthRequired() bool {
	return s.authParked.Load()
}

func (s *Synchronizer) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

func (s *Synchronizer) runLoop(ctx context.Context) {
	defer close(s.stopped)
	defer s.setPhase(PhaseDisconnected)

	backoff := s.cfg.BackoffBase

	for {
		select {
		case <-ctx.Done():
			s.disconnect()
			return
		default:
		}

		streamed, err := s.connectAndRun(ctx)
		s.disconnect()

		if ctx.Err() != nil {
			s.log.Info("observe: shutting down")
			return
		}

		if errors.Is(err, errResync) {
			// Straight back to the snapshot fetch, no backoff, same
			// credential.
			s.log.Info("observe: resync requested, refetching snapshot")
			backoff = s.cfg.BackoffBase
			continue
		}

		if errors.Is(err, auth.ErrAuthExpired) || errors.Is(err, auth.ErrNoCredential) {
			// Terminal: park until re-authentication wakes us.
			s.setPhase(PhaseDisconnected)
			s.authParked.Store(true)
			s.log.Error("observe: reauthentication required", "error", err)
			s.bus.Publish(state.Event{Type: state.EventAuthRequired})
			select {
			case <-ctx.Done():
				return
			case <-s.wakeCh:
				s.authParked.Store(false)
				backoff = s.cfg.BackoffBase
				s.log.Info("observe: woken after reauthentication")
			}
			continue
		}

		if err != nil {
			s.log.Error("observe: connection error", "error", err, "retry_in", backoff)
		}
		if streamed {
			backoff = s.cfg.BackoffBase
		}

		s.setPhase(PhaseReconnecting)

		// Interruptible backoff with jitter — wake signal skips the wait.
		timer := time.NewTimer(withJitter(backoff))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wakeCh:
			timer.Stop()
			select {
			case <-timer.C:
			default:
			}
			backoff = s.cfg.BackoffBase
			s.log.Info("observe: wake signal received, reconnecting immediately")
		case <-timer.C:
		}

		backoff = time.Duration(math.Min(float64(backoff)*2, float64(s.cfg.BackoffMax)))
	}
}

// withJitter adds up to 25% random delay on top of d.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + rand.N(d/4)
}

// connectAndRun walks the state machine once: authenticate, fetch the
// snapshot, stream until the connection drops. streamed reports whether the
// stream phase was reached, which resets the backoff.
func (s *Synchronizer) connectAndRun(ctx context.Context) (streamed bool, err error) {
	s.setPhase(PhaseAuthenticating)
	cred, err := s.tokens.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("get token: %w", err)
	}

	s.setPhase(PhaseFetchingSnapshot)
	launch, err := s.api.Launch(ctx, stream.KnownBucketTypes)
	if err != nil {
		return false, fmt.Errorf("snapshot fetch: %w", err)
	}

	s.urlMu.Lock()
	s.transportURL = launch.ServiceURLs.URLs.TransportURL
	s.czfeURL = launch.ServiceURLs.URLs.CzfeURL
	transportURL := s.transportURL
	s.urlMu.Unlock()

	snapshot := make([]stream.Event, 0, len(launch.UpdatedBuckets))
	for _, obj := range launch.UpdatedBuckets {
		bucketType, _ := stream.SplitObjectKey(obj.ObjectKey)
		snapshot = append(snapshot, stream.Event{
			Kind:       stream.KindPut,
			BucketType: bucketType,
			ObjectKey:  obj.ObjectKey,
			Revision:   obj.ObjectRevision,
			Timestamp:  obj.ObjectTimestamp,
			Fields:     obj.Value,
		})
	}
	changed := s.cache.ReplaceAll(snapshot)
	s.log.Info("snapshot applied", "objects", len(snapshot), "changed", len(changed))

	if transportURL == "" {
		return false, fmt.Errorf("snapshot fetch: no transport URL in response")
	}

	conn, err := s.dialer.Dial(ctx, transportURL, cred)
	if err != nil {
		s.log.Warn("initial dial failed, attempting token refresh", "error", err)
		newCred, refreshErr := s.tokens.ForceRefresh(ctx)
		if refreshErr != nil {
			if errors.Is(refreshErr, auth.ErrAuthExpired) || errors.Is(err, auth.ErrAuthExpired) {
				return false, fmt.Errorf("dial: %w", refreshErr)
			}
			return false, fmt.Errorf("dial failed (%w) and refresh failed: %v", err, refreshErr)
		}
		conn, err = s.dialer.Dial(ctx, transportURL, newCred)
		if err != nil {
			return false, fmt.Errorf("dial after refresh: %w", err)
		}
		cred = newCred
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.dec.Reset()

	if err := s.subscribe(ctx, conn, cred); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	s.setPhase(PhaseStreaming)
	s.bus.Publish(state.Event{Type: state.EventConnected})
	conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

	keepaliveCtx, keepaliveCancel := context.WithCancel(ctx)
	defer keepaliveCancel()
	go s.keepaliveLoop(keepaliveCtx, conn)

	// The WebSocket read does not watch ctx; closing the connection is what
	// unblocks it on cancellation.
	stopClose := context.AfterFunc(ctx, s.disconnect)
	defer stopClose()

	return true, s.readLoop(ctx, conn)
}

// subscribe seeds the stream with the cache's current revisions so the
// server only sends deltas.
func (s *Synchronizer) subscribe(ctx context.Context, conn transport.Conn, cred auth.Credential) error {
	versions := s.cache.Versions()
	objects := make([]transport.Object, 0, len(versions))
	for _, v := range versions {
		objects = append(objects, transport.Object{
			ObjectKey:       v.ObjectKey,
			ObjectRevision:  v.Revision,
			ObjectTimestamp: v.Timestamp,
		})
	}

	frame := map[string]any{
		"objects":   objects,
		"timeout":   int(s.cfg.IdleTimeout.Seconds()) * 10,
		"sessionID": fmt.Sprintf("ios-%s.%d.%d", cred.UserID, rand.Int32N(1_000_000_000), time.Now().Unix()),
	}
	return conn.Send(ctx, frame)
}

func (s *Synchronizer) disconnect() {
	s.connMu.Lock()
	if s.conn != nil {
		s.log.Info("closing observe stream")
		s.conn.Close()
		s.conn = nil
		s.bus.Publish(state.Event{Type: state.EventDisconnected})
	}
	s.connMu.Unlock()
}

func (s *Synchronizer) keepaliveLoop(ctx context.Context, conn transport.Conn) {
	interval := s.cfg.IdleTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				s.log.Warn("keepalive ping failed, triggering reconnect", "error", err)
				s.disconnect()
				return
			}
		}
	}
}

func (s *Synchronizer) readLoop(ctx context.Context, conn transport.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunk, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if ctx.Err() != nil {
			// A chunk that raced cancellation is discarded, never applied.
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		for _, ev := range s.dec.Decode(chunk) {
			if ev.Kind == stream.KindReset {
				return errResync
			}
			if changed := s.cache.Apply(ev); len(changed) > 0 {
				s.log.Debug("update applied", "object_key", ev.ObjectKey, "kind", ev.Kind.String(), "revision", ev.Revision)
			}
		}
	}
}

// --- Write path ---

// Protect config fields writable through the control surface.
const (
	fieldNightLight           = "night_light_enable"
	fieldNightLightBrightness = "night_light_brightness"
	fieldGreenLED             = "ntp_green_led_enable"
	fieldHeadsUp              = "heads_up_enable"
	fieldSteamCheck           = "steam_detection_enable"
)

// SetNightLight toggles the Pathlight feature.
func (s *Synchronizer) SetNightLight(ctx context.Context, objectKey string, on bool) error {
	return s.putField(ctx, objectKey, fieldNightLight, on)
}

// SetNightLightBrightness sets the Pathlight brightness level (1=low,
// 2=medium, 3=high).
func (s *Synchronizer) SetNightLightBrightness(ctx context.Context, objectKey string, level int) error {
	if level < 1 || level > 3 {
		return fmt.Errorf("observe: brightness level %d out of range 1..3", level)
	}
	return s.putField(ctx, objectKey, fieldNightLightBrightness, level)
}

// SetGreenLED toggles the Nightly Promise green LED.
func (s *Synchronizer) SetGreenLED(ctx context.Context, objectKey string, on bool) error {
	return s.putField(ctx, objectKey, fieldGreenLED, on)
}

// SetHeadsUp toggles early warnings.
func (s *Synchronizer) SetHeadsUp(ctx context.Context, objectKey string, on bool) error {
	return s.putField(ctx, objectKey, fieldHeadsUp, on)
}

// SetSteamCheck toggles steam detection.
func (s *Synchronizer) SetSteamCheck(ctx context.Context, objectKey string, on bool) error {
	return s.putField(ctx, objectKey, fieldSteamCheck, on)
}

func (s *Synchronizer) putField(ctx context.Context, objectKey, field string, value any) error {
	s.urlMu.Lock()
	czfe := s.czfeURL
	s.urlMu.Unlock()
	if czfe == "" {
		return fmt.Errorf("observe: not connected, no write endpoint yet")
	}

	if err := s.writeLimiter.Wait(ctx); err != nil {
		return err
	}

	s.log.Info("writing device setting", "object_key", objectKey, "field", field, "value", value)
	return s.api.PutObjects(ctx, czfe, []transport.Object{{
		ObjectKey: objectKey,
		Op:        "MERGE",
		Value:     map[string]any{field: value},
	}})
}
