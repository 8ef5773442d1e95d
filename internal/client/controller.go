package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nektus/exchange-server-go/internal/motion"
)

type State string

const (
	StateIdle                 State = "idle"
	StateRequestingPermission State = "requesting-permission"
	StateWaitingForBump       State = "waiting-for-bump"
	StateProcessing           State = "processing"
	StateMatched              State = "matched"
	StateTimeout              State = "timeout"
	StateError                State = "error"
)

// Lifecycle events published to the UI layer.
const (
	EventStartFloating  = "start-floating"
	EventBumpDetected   = "bump-detected"
	EventMatchFound     = "match-found"
	EventStopFloating   = "stop-floating"
	EventCancelExchange = "cancel-exchange"
)

// PermissionRequester prompts for sensor access. On platforms that gate the
// sensor behind a user gesture the prompt must be the very first thing done
// on that gesture, so the controller calls it before any other work.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) (bool, error)
}

// EventSink receives lifecycle events for the UI layer.
type EventSink interface {
	Publish(event string, data any)
}

// API is the slice of APIClient the controller needs.
type API interface {
	ReportHit(ctx context.Context, hit HitSubmission) (*HitResponse, error)
	PairByCode(ctx context.Context, sessionID, userID, code, sharingCategory string) (*HitResponse, error)
	SessionMatch(ctx context.Context, sessionID string) (*SessionMatchResponse, error)
}

type ControllerConfig struct {
	SessionID       string
	UserID          string
	SharingCategory string

	Detector motion.Config

	// ResetDelay is how long terminal error and timeout states stay
	// visible before the controller returns to idle.
	ResetDelay time.Duration

	// CancelPollInterval bounds how quickly a cancel request reaches a
	// blocked detection attempt.
	CancelPollInterval time.Duration

	// MatchWait is how long to poll for the other side after a hit was
	// accepted without an immediate match.
	MatchWait         time.Duration
	MatchPollInterval time.Duration
}

func DefaultControllerConfig(sessionID, userID string) ControllerConfig {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return ControllerConfig{
		SessionID:          sessionID,
		UserID:             userID,
		SharingCategory:    "all",
		Detector:           motion.DefaultConfig(),
		ResetDelay:         2 * time.Second,
		CancelPollInterval: 100 * time.Millisecond,
		MatchWait:          5 * time.Second,
		MatchPollInterval:  250 * time.Millisecond,
	}
}

// Controller drives one device through the exchange lifecycle:
// idle, requesting-permission, waiting-for-bump, processing, then one of
// matched, timeout or error, and back to idle.
type Controller struct {
	cfg         ControllerConfig
	api         API
	permissions PermissionRequester
	sink        EventSink
	newSource   func() motion.Source

	mu        sync.Mutex
	state     State
	detector  *motion.Detector
	cancelled bool
	attempt   context.CancelFunc
	resetTmr  *time.Timer
}

func NewController(
	cfg ControllerConfig,
	api API,
	permissions PermissionRequester,
	sink EventSink,
	newSource func() motion.Source,
) *Controller {
	return &Controller{
		cfg:         cfg,
		api:         api,
		permissions: permissions,
		sink:        sink,
		newSource:   newSource,
		state:       StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartExchange runs one full bump attempt. It must be called directly from
// the user gesture and blocks until the attempt reaches a terminal state.
func (c *Controller) StartExchange(ctx context.Context) State {
	if !c.begin(StateRequestingPermission) {
		return c.State()
	}

	// Permission first: anything async before the prompt makes gesture
	// gated platforms deny it silently.
	granted, err := c.permissions.RequestPermission(ctx)
	if err != nil || !granted {
		log.Warn().Err(err).Bool("granted", granted).Msg("sensor permission not granted")
		return c.finish(StateError)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	detector := motion.NewDetector(c.newSource(), c.cfg.Detector)

	c.mu.Lock()
	c.state = StateWaitingForBump
	c.detector = detector
	c.attempt = cancel
	c.mu.Unlock()

	c.sink.Publish(EventStartFloating, nil)
	defer c.sink.Publish(EventStopFloating, nil)

	stopPoll := c.watchCancellation(detector)
	bump := detector.Detect(attemptCtx)
	stopPoll()

	c.mu.Lock()
	c.detector = nil
	c.attempt = nil
	wasCancelled := c.cancelled
	c.mu.Unlock()

	if wasCancelled {
		return c.finish(StateIdle)
	}
	if !bump.HasMotion {
		return c.finish(StateTimeout)
	}

	c.sink.Publish(EventBumpDetected, bump)
	c.setState(StateProcessing)

	resp, err := c.api.ReportHit(ctx, HitSubmission{
		SessionID:       c.cfg.SessionID,
		UserID:          c.cfg.UserID,
		ClientTimestamp: bump.Timestamp.UnixMilli(),
		Magnitude:       bump.Magnitude,
		SharingCategory: c.cfg.SharingCategory,
	})
	if err != nil {
		log.Error().Err(err).Msg("hit submission failed")
		return c.finish(StateError)
	}

	if resp.Matched {
		c.sink.Publish(EventMatchFound, resp)
		return c.finish(StateMatched)
	}

	return c.awaitMatch(ctx)
}

// PairByCode is the QR path: no motion detection, same terminal states.
func (c *Controller) PairByCode(ctx context.Context, code string) State {
	if !c.begin(StateProcessing) {
		return c.State()
	}

	resp, err := c.api.PairByCode(ctx, c.cfg.SessionID, c.cfg.UserID, code, c.cfg.SharingCategory)
	if err != nil {
		log.Error().Err(err).Msg("pair by code failed")
		return c.finish(StateError)
	}
	if !resp.Matched {
		return c.finish(StateError)
	}

	c.sink.Publish(EventMatchFound, resp)
	return c.finish(StateMatched)
}

// Cancel aborts an in-flight attempt. The detector listener is detached
// synchronously before Cancel returns.
func (c *Controller) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	detector := c.detector
	cancel := c.attempt
	c.mu.Unlock()

	c.sink.Publish(EventCancelExchange, nil)

	if detector != nil {
		detector.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}

// ResetSession clears everything, including a pending auto-reset timer. It
// is for runtimes that resurrect this object without reconstructing it, such
// as a page restored from a navigation cache.
func (c *Controller) ResetSession() {
	c.Cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resetTmr != nil {
		c.resetTmr.Stop()
		c.resetTmr = nil
	}
	c.cancelled = false
	c.state = StateIdle
}

func (c *Controller) begin(initial State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return false
	}
	if c.resetTmr != nil {
		c.resetTmr.Stop()
		c.resetTmr = nil
	}
	c.cancelled = false
	c.state = initial
	return true
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// finish enters a terminal state. Error and timeout are transient: after the
// display delay the controller resets itself to idle.
func (c *Controller) finish(s State) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = s
	if s == StateError || s == StateTimeout || s == StateMatched {
		c.resetTmr = time.AfterFunc(c.cfg.ResetDelay, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.state == s {
				c.state = StateIdle
			}
		})
	}
	return s
}

// watchCancellation polls the shared cancel flag so a cancel issued from
// another goroutine reaches a blocked detector within one interval.
func (c *Controller) watchCancellation(detector *motion.Detector) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.mu.Lock()
				cancelled := c.cancelled
				c.mu.Unlock()
				if cancelled {
					detector.Cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// awaitMatch polls the session match endpoint after a hit landed without an
// immediate partner, covering the pending-promotion case.
func (c *Controller) awaitMatch(ctx context.Context) State {
	deadline := time.Now().Add(c.cfg.MatchWait)
	ticker := time.NewTicker(c.cfg.MatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.finish(StateTimeout)
		case <-ticker.C:
			if c.isCancelled() {
				return c.finish(StateIdle)
			}
			if time.Now().After(deadline) {
				return c.finish(StateTimeout)
			}

			resp, err := c.api.SessionMatch(ctx, c.cfg.SessionID)
			if err != nil {
				log.Debug().Err(err).Msg("match poll failed")
				continue
			}
			if resp.Matched {
				c.sink.Publish(EventMatchFound, resp)
				return c.finish(StateMatched)
			}
		}
	}
}

func (c *Controller) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}
