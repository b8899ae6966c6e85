// Package streamfsm implements the Stream State Machine (§4.3): one
// single-owner actor per stream_id that processes commands and events from
// a mailbox in order, enforces the permitted-transition graph, persists
// each transition through the store, and drives the bounded ERROR→
// INITIALIZING retry with exponential backoff.
//
// The actor owns no transport, ffmpeg process, or SFU connection itself —
// those belong to the Port Broker, Transcoder Supervisor and SFU Control
// Client respectively, composed by the Stream Orchestrator (§4.9), which
// feeds this actor the single well-formed transition events its handshake
// sequences produce. This separation mirrors the teacher's own
// Service/EventBus split: the actor publishes state-change facts on the
// shared runtime.EventBus instead of calling out to collaborators
// directly, the same inversion internal/service/manager.go uses to keep
// components decoupled.
package streamfsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viewguard/mediagateway/internal/apierr"
	"github.com/viewguard/mediagateway/internal/logger"
	"github.com/viewguard/mediagateway/internal/runtime"
	"github.com/viewguard/mediagateway/internal/store"
)

// MaxRestartAttempts is N in §4.3's "restart (≤ N=3 attempts, backoff)".
const MaxRestartAttempts = 3

// StateChanged is published on the EventBus (kind "stream.state_changed")
// after every successful transition, so the Consumer Registry and the
// Stream Orchestrator can react without polling the store.
type StateChanged struct {
	StreamID string
	From     store.StreamState
	To       store.StreamState
	Reason   string
}

// Event types the actor accepts. Each corresponds to one arrow in §4.3's
// transition diagram; by the time one of these reaches the actor, the
// caller has already satisfied that arrow's documented guard (e.g.
// SSRCCaptured is only sent once the port is reserved, the SFU plain
// transport is connected, and the Producer exists).
type (
	SSRCCaptured struct {
		SSRC        uint32
		ProducerRef string
		Port        int
	}
	SetupFailed struct{ Reason string }
	SSRCTimeout struct{}

	TranscoderReady struct{}
	ProduceFailed   struct{ Reason string }

	StopRequested struct{}

	// RestartRequested is the caller-driven STOPPED→INITIALIZING arrow
	// (a user re-starting a stopped stream), distinct from the actor's
	// own automatic ERROR→INITIALIZING retry.
	RestartRequested struct{}

	TranscoderDied struct{ Reason string }
	SFULost        struct{ Reason string }
	PortLost       struct{ Reason string }
	StatsFlat      struct{ Reason string }

	Delete struct{}
)

type message struct {
	payload interface{}
	result  chan error
}

// Actor is the single-owner coordinator for one stream_id.
type Actor struct {
	streamID string
	store    *store.Store
	bus      *runtime.EventBus
	log      *logger.Logger

	mailbox chan message
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu         sync.Mutex
	state      store.StreamState
	retryCount int
	retryTimer *time.Timer
}

// New constructs an actor for an existing Stream record. initialState and
// initialRetryCount must match the store's current row for this
// stream_id, so a process restart resumes the retry budget rather than
// resetting it.
func New(streamID string, initialState store.StreamState, initialRetryCount int, st *store.Store, bus *runtime.EventBus, log *logger.Logger) *Actor {
	return &Actor{
		streamID:   streamID,
		store:      st,
		bus:        bus,
		log:        log.WithFields(zap.String("stream_id", streamID)),
		mailbox:    make(chan message, 32),
		stopCh:     make(chan struct{}),
		state:      initialState,
		retryCount: initialRetryCount,
	}
}

// Run starts the actor's mailbox loop. Callers spawn one goroutine per
// stream via Run and stop it with Close.
func (a *Actor) Run(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case msg := <-a.mailbox:
				err := a.handle(ctx, msg.payload)
				if msg.result != nil {
					msg.result <- err
				}
			}
		}
	}()
}

// Close stops the actor's mailbox loop and cancels any pending retry timer.
func (a *Actor) Close() {
	close(a.stopCh)
	a.mu.Lock()
	if a.retryTimer != nil {
		a.retryTimer.Stop()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// Send delivers an event to the actor's mailbox and blocks until it has
// been processed, returning any guard-violation error.
func (a *Actor) Send(ctx context.Context, event interface{}) error {
	msg := message{payload: event, result: make(chan error, 1)}
	select {
	case a.mailbox <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the actor's current in-memory state. Safe to call from
// any goroutine; the mailbox is the only writer.
func (a *Actor) State() store.StreamState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Actor) handle(ctx context.Context, event interface{}) error {
	a.mu.Lock()
	from := a.state
	a.mu.Unlock()

	switch e := event.(type) {
	case SSRCCaptured:
		return a.transitionGuarded(ctx, from, store.StreamInitializing, store.StreamReady, "ssrc-captured", func() (store.StreamUpdate, error) {
			if e.SSRC == 0 {
				return store.StreamUpdate{}, apierr.New(apierr.CodeSsrcCaptureFailed, apierr.KindTransientCamera, 502,
					"ssrc-captured event carried a zero ssrc")
			}
			ssrc := e.SSRC
			port := e.Port
			ref := e.ProducerRef
			now := time.Now()
			return store.StreamUpdate{CapturedSSRC: &ssrc, AssignedPort: &port, ProducerRef: &ref, StartedAt: &now}, nil
		})

	case SetupFailed:
		return a.toError(ctx, from, store.StreamInitializing, e.Reason)
	case SSRCTimeout:
		return a.toError(ctx, from, store.StreamInitializing, "ssrc capture timed out")

	case TranscoderReady:
		return a.transitionGuarded(ctx, from, store.StreamReady, store.StreamLive, "transcoder-ready", func() (store.StreamUpdate, error) {
			return store.StreamUpdate{}, nil
		})
	case ProduceFailed:
		return a.toError(ctx, from, store.StreamReady, e.Reason)

	case StopRequested:
		// §4.9 stop_stream: LIVE | READY | INITIALIZING | ERROR → STOPPED. A
		// stop arriving while start_stream is still assembling resources
		// (INITIALIZING/READY) cancels the in-flight start; the orchestrator
		// tears down whatever partial resources exist once this transition
		// lands, via its own "stream.state_changed" subscription.
		if from != store.StreamInitializing && from != store.StreamReady &&
			from != store.StreamLive && from != store.StreamError {
			return invalidState(from, store.StreamStopped)
		}
		a.mu.Lock()
		if a.retryTimer != nil {
			a.retryTimer.Stop()
		}
		a.mu.Unlock()
		return a.apply(ctx, store.StreamStopped, store.StreamUpdate{ClearAssignedPort: true}, "stop-req")

	case TranscoderDied:
		return a.toError(ctx, from, store.StreamLive, e.Reason)
	case SFULost:
		return a.toError(ctx, from, store.StreamLive, e.Reason)
	case PortLost:
		return a.toError(ctx, from, store.StreamLive, e.Reason)
	case StatsFlat:
		return a.toError(ctx, from, store.StreamLive, e.Reason)

	case Delete:
		return a.toClosed(ctx, from, "deleted")

	case restartFromError:
		return a.transitionGuarded(ctx, from, store.StreamError, store.StreamInitializing, "restart", func() (store.StreamUpdate, error) {
			return store.StreamUpdate{ClearLastError: true}, nil
		})

	case RestartRequested:
		return a.transitionGuarded(ctx, from, store.StreamStopped, store.StreamInitializing, "restart", func() (store.StreamUpdate, error) {
			return store.StreamUpdate{ClearLastError: true, ResetRetry: true}, nil
		})

	default:
		return fmt.Errorf("streamfsm: unknown event type %T", event)
	}
}

// toError moves the stream from `expectedFrom` into ERROR, records the
// reason, and schedules the bounded retry.
func (a *Actor) toError(ctx context.Context, from, expectedFrom store.StreamState, reason string) error {
	if from != expectedFrom {
		return invalidState(from, store.StreamError)
	}
	if err := a.apply(ctx, store.StreamError, store.StreamUpdate{LastError: &reason, IncrementRetry: true}, reason); err != nil {
		return err
	}
	a.scheduleRetry(ctx)
	return nil
}

func (a *Actor) toClosed(ctx context.Context, from store.StreamState, reason string) error {
	if from.IsTerminal() && from != store.StreamStopped {
		return invalidState(from, store.StreamClosed)
	}
	a.mu.Lock()
	if a.retryTimer != nil {
		a.retryTimer.Stop()
	}
	a.mu.Unlock()
	return a.apply(ctx, store.StreamClosed, store.StreamUpdate{ClearAssignedPort: true}, reason)
}

// transitionGuarded checks the from-state and applies a caller-supplied
// update builder atomically with the transition.
func (a *Actor) transitionGuarded(ctx context.Context, from, expectedFrom, to store.StreamState, reason string, build func() (store.StreamUpdate, error)) error {
	if from != expectedFrom {
		return invalidState(from, to)
	}
	update, err := build()
	if err != nil {
		return err
	}
	return a.apply(ctx, to, update, reason)
}

func (a *Actor) apply(ctx context.Context, to store.StreamState, update store.StreamUpdate, reason string) error {
	a.mu.Lock()
	from := a.state
	a.mu.Unlock()

	if err := a.store.TransitionState(ctx, a.streamID, to, update); err != nil {
		return err
	}

	a.mu.Lock()
	a.state = to
	a.mu.Unlock()

	a.log.Info("stream transitioned", "stream_id", a.streamID, "from", string(from), "to", string(to), "reason", reason)
	a.bus.Publish(runtime.Event{
		Kind:   "stream.state_changed",
		Source: "streamfsm",
		Payload: StateChanged{
			StreamID: a.streamID,
			From:     from,
			To:       to,
			Reason:   reason,
		},
	})
	return nil
}

// scheduleRetry schedules the ERROR→INITIALIZING self-transition with
// exponential backoff (5s/10s/20s), or moves straight to CLOSED once
// MaxRestartAttempts has been exhausted (§4.3, §9).
func (a *Actor) scheduleRetry(ctx context.Context) {
	a.mu.Lock()
	attempt := a.retryCount + 1
	a.mu.Unlock()

	if attempt > MaxRestartAttempts {
		a.log.Warn("stream exhausted restart attempts, closing", "stream_id", a.streamID, "attempts", attempt-1)
		_ = a.toClosed(ctx, store.StreamError, "restart attempts exhausted")
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	var wait time.Duration
	for i := 0; i < attempt; i++ {
		wait = bo.NextBackOff()
	}

	_ = a.store.RecordAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.NewString(),
		StreamID:  a.streamID,
		Attempt:   attempt,
		BackoffMS: wait.Milliseconds(),
		Reason:    "error->initializing retry",
	})

	a.mu.Lock()
	a.retryCount = attempt
	if a.retryTimer != nil {
		a.retryTimer.Stop()
	}
	a.retryTimer = time.AfterFunc(wait, func() {
		retryCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Send(retryCtx, restartFromError{}); err != nil {
			a.log.Error("failed to restart stream after backoff", "stream_id", a.streamID, "error", err.Error())
		}
	})
	a.mu.Unlock()
}

// restartFromError is an internal-only event: it is never sent by a
// caller outside this package, only by the actor's own retry timer.
type restartFromError struct{}

func invalidState(from, to store.StreamState) error {
	return apierr.New(apierr.CodeInvalidState, apierr.KindConflict, 409,
		fmt.Sprintf("invalid transition from %s to %s", from, to)).WithDetails(map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
}
