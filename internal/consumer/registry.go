// Package consumer implements the Consumer Registry (§4.6): it creates a
// WebRTC transport per consumer on the SFU, ferries ICE/DTLS parameters to
// and from the client, and tracks each consumer through
// PENDING → CONNECTED → CLOSED. It also enforces the fan-out side of §3's
// invariant — closing every consumer of a stream the instant that stream
// leaves LIVE — by subscribing to the Stream State Machine's
// "stream.state_changed" events instead of being called directly, the
// same event-driven decoupling internal/service/manager.go uses between
// the teacher's own components.
package consumer

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viewguard/mediagateway/internal/apierr"
	"github.com/viewguard/mediagateway/internal/logger"
	"github.com/viewguard/mediagateway/internal/runtime"
	"github.com/viewguard/mediagateway/internal/sfu"
	"github.com/viewguard/mediagateway/internal/store"
	"github.com/viewguard/mediagateway/internal/streamfsm"
)

// DefaultPendingTTL is §4.6's "TTL on PENDING without connect (default 30s)".
const DefaultPendingTTL = 30 * time.Second

const sweepInterval = 5 * time.Second

// AttachResult carries what the client needs to complete its side of the
// WebRTC handshake.
type AttachResult struct {
	ConsumerID     string
	TransportID    string
	IceParameters  json.RawMessage
	IceCandidates  json.RawMessage
	DtlsParameters json.RawMessage
	ConsumerSFUID  string
	Kind           string
	RtpParameters  json.RawMessage
}

// Registry is the composition root for consumer lifecycle management.
type Registry struct {
	store *store.Store
	sfu   *sfu.Client
	bus   *runtime.EventBus
	log   *logger.Logger
	ttl   time.Duration

	unsubscribe func()
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func New(st *store.Store, sfuClient *sfu.Client, bus *runtime.EventBus, log *logger.Logger, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &Registry{store: st, sfu: sfuClient, bus: bus, log: log, ttl: ttl, stopCh: make(chan struct{})}
}

// Start subscribes to stream lifecycle events and begins the PENDING TTL
// sweep. It does not block.
func (r *Registry) Start(ctx context.Context) {
	r.unsubscribe = r.bus.Subscribe("stream.state_changed", func(e runtime.Event) {
		sc, ok := e.Payload.(streamfsm.StateChanged)
		if !ok || sc.From != store.StreamLive {
			return
		}
		if err := r.CloseAllForStream(ctx, sc.StreamID, "stream left live"); err != nil {
			r.log.Error("failed to close consumers after stream left live", "stream_id", sc.StreamID, "error", err.Error())
		}
	})

	r.wg.Add(1)
	go r.sweepLoop(ctx)
}

func (r *Registry) Stop() {
	close(r.stopCh)
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.wg.Wait()
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepStalePending(ctx)
		}
	}
}

func (r *Registry) sweepStalePending(ctx context.Context) {
	stale, err := r.store.ListStalePending(ctx, time.Now().Add(-r.ttl))
	if err != nil {
		r.log.Error("failed to list stale pending consumers", "error", err.Error())
		return
	}
	for _, c := range stale {
		if err := r.Detach(ctx, c.ID, "pending ttl expired"); err != nil {
			r.log.Error("failed to detach stale pending consumer", "consumer_id", c.ID, "error", err.Error())
		}
	}
}

// Attach creates a WebRTC transport for a new consumer of a LIVE stream's
// producer. The parent stream must be LIVE (§4.6 attach preconditions).
func (r *Registry) Attach(ctx context.Context, streamID, clientID string, rtpCapabilities json.RawMessage) (*AttachResult, error) {
	st, err := r.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, apierr.NotFound("stream")
	}
	if st.State != store.StreamLive {
		return nil, apierr.StreamNotLive(streamID, string(st.State))
	}

	producer, err := r.store.GetActiveProducerForStream(ctx, streamID)
	if err != nil || producer == nil {
		return nil, apierr.New(apierr.CodeStreamNotLive, apierr.KindConflict, http.StatusConflict,
			"stream has no active producer")
	}

	transport, err := r.sfu.CreateWebRTCTransport(ctx, sfu.CreateWebRTCTransportParams{RoomID: streamID})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeSfuUnavailable, apierr.KindTransientInfra, http.StatusBadGateway,
			"failed to create webrtc transport", err)
	}

	consumerResult, err := r.sfu.CreateConsumer(ctx, sfu.CreateConsumerParams{
		TransportID:     transport.TransportID,
		ProducerID:      producer.SFUID,
		RtpCapabilities: rtpCapabilities,
	})
	if err != nil {
		_ = r.sfu.CloseTransport(ctx, transport.TransportID)
		return nil, apierr.Wrap(apierr.CodeIncompatibleCaps, apierr.KindValidation, http.StatusUnprocessableEntity,
			"sfu rejected the client's rtp capabilities", err)
	}

	consumerID := uuid.NewString()
	transportRef := transport.TransportID
	if err := r.store.CreateConsumer(ctx, &store.Consumer{
		ID:           consumerID,
		StreamID:     streamID,
		ClientID:     clientID,
		State:        store.ConsumerPending,
		TransportRef: &transportRef,
	}); err != nil {
		return nil, err
	}

	return &AttachResult{
		ConsumerID:     consumerID,
		TransportID:    transport.TransportID,
		IceParameters:  transport.IceParameters,
		IceCandidates:  transport.IceCandidates,
		DtlsParameters: transport.DtlsParameters,
		ConsumerSFUID:  consumerResult.ConsumerID,
		Kind:           consumerResult.Kind,
		RtpParameters:  consumerResult.RtpParameters,
	}, nil
}

// Connect completes the DTLS handshake for a PENDING consumer.
func (r *Registry) Connect(ctx context.Context, consumerID string, dtlsParameters json.RawMessage) error {
	c, err := r.store.GetConsumer(ctx, consumerID)
	if err != nil {
		return apierr.NotFound("consumer")
	}
	if c.State != store.ConsumerPending {
		return apierr.New(apierr.CodeInvalidState, apierr.KindConflict, http.StatusConflict,
			"consumer is not pending connect")
	}
	if c.TransportRef == nil {
		return apierr.Internal(nil)
	}

	if err := r.sfu.ConnectWebRTCTransport(ctx, sfu.ConnectWebRTCTransportParams{
		TransportID:    *c.TransportRef,
		DtlsParameters: dtlsParameters,
	}); err != nil {
		_ = r.store.CloseConsumer(ctx, consumerID, "dtls_failed")
		return apierr.Wrap(apierr.CodeDtlsFailed, apierr.KindTransientInfra, http.StatusBadGateway,
			"dtls handshake failed", err)
	}

	return r.store.MarkConsumerConnected(ctx, consumerID)
}

// Detach closes a consumer's transport on the SFU and marks it CLOSED.
// Idempotent: detaching an already-closed consumer is a no-op.
func (r *Registry) Detach(ctx context.Context, consumerID, reason string) error {
	c, err := r.store.GetConsumer(ctx, consumerID)
	if err != nil {
		return apierr.NotFound("consumer")
	}
	if c.State == store.ConsumerClosed {
		return nil
	}
	if c.TransportRef != nil {
		if err := r.sfu.CloseTransport(ctx, *c.TransportRef); err != nil {
			r.log.Warn("failed to close sfu transport during detach", "consumer_id", consumerID, "error", err.Error())
		}
	}
	return r.store.CloseConsumer(ctx, consumerID, reason)
}

// CloseAllForStream closes every non-closed consumer of a stream, used
// when the stream leaves LIVE (§3 invariant, §4.6).
func (r *Registry) CloseAllForStream(ctx context.Context, streamID, reason string) error {
	if err := r.sfu.CloseTransportsForRoom(ctx, streamID); err != nil {
		r.log.Warn("failed to close sfu transports for room", "stream_id", streamID, "error", err.Error())
	}
	return r.store.CloseAllForStream(ctx, streamID, reason)
}
