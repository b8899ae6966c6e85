// Package orchestrator implements the Stream Orchestrator (§4.9): the
// top-level façade the API Adapter calls. It composes the Port Broker,
// SFU Control Client, Transcoder Supervisor, SSRC Capturer and Consumer
// Registry behind start_stream/stop_stream/attach_consumer/etc, and is
// the sole place that drives a stream's INITIALIZING→READY handshake
// (§4.4's bind-sniff-release-rebind sequence) end to end. It never
// transitions a Stream State Machine actor directly outside of that
// handshake and the cancellation/error paths §5 requires — every other
// transition (READY→LIVE, LIVE→ERROR) is driven by the Health Monitor and
// Transcoder Supervisor publishing onto the shared runtime.EventBus,
// which this package subscribes to and translates into resource cleanup.
//
// Grounded on the teacher's main.go composition order (config → logger →
// store → services, registered with a Manager, torn down in reverse) and
// internal/service/manager.go's Start/Shutdown sequencing, generalized
// from a fixed service list into a dynamic per-stream actor registry with
// compare-and-insert semantics (§5's "Stream registry: concurrent map
// with compare-and-insert for start_stream to avoid racing two starts of
// the same device").
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viewguard/mediagateway/internal/apierr"
	"github.com/viewguard/mediagateway/internal/consumer"
	"github.com/viewguard/mediagateway/internal/extraction"
	"github.com/viewguard/mediagateway/internal/logger"
	"github.com/viewguard/mediagateway/internal/portbroker"
	"github.com/viewguard/mediagateway/internal/runtime"
	"github.com/viewguard/mediagateway/internal/sfu"
	"github.com/viewguard/mediagateway/internal/ssrc"
	"github.com/viewguard/mediagateway/internal/store"
	"github.com/viewguard/mediagateway/internal/streamfsm"
	"github.com/viewguard/mediagateway/internal/transcoder"
)

// Config carries the deployment-specific knobs the orchestrator needs
// beyond what its collaborators already own.
type Config struct {
	RecordingsRoot string
	SegmentSeconds int
	Bitrate        string
	// TranscoderHost is the loopback address the transcoder sends RTP to
	// and the SFU's PlainTransport listens on; both live on the gateway
	// host, so this is 127.0.0.1 in every deployment this core targets.
	TranscoderHost string
	// StartDeadline bounds start_stream's synchronous drive to LIVE (§4.9,
	// default 30s).
	StartDeadline time.Duration
	// SSRCTimeout bounds the SSRC Capturer's wait for the first RTP
	// datagram (§4.4, default 8s).
	SSRCTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.StartDeadline <= 0 {
		c.StartDeadline = 30 * time.Second
	}
	if c.SSRCTimeout <= 0 {
		c.SSRCTimeout = 8 * time.Second
	}
	if c.TranscoderHost == "" {
		c.TranscoderHost = "127.0.0.1"
	}
	if c.SegmentSeconds <= 0 {
		c.SegmentSeconds = 6
	}
	if c.Bitrate == "" {
		c.Bitrate = "1500k"
	}
}

// Orchestrator is the composition root for stream lifecycle operations.
type Orchestrator struct {
	cfg Config

	store      *store.Store
	bus        *runtime.EventBus
	ports      *portbroker.Broker
	sfuClient  *sfu.Client
	transcoder *transcoder.Supervisor
	consumers  *consumer.Registry
	extraction *extraction.Pool
	log        *logger.Logger

	actorsMu sync.Mutex
	actors   map[string]*streamfsm.Actor

	cancelsMu sync.Mutex
	cancels   map[string]context.CancelFunc

	waitersMu sync.Mutex
	waiters   map[string]*startWaiter

	unsubscribes []func()
}

type startWaiter struct {
	ch   chan struct{}
	once sync.Once
}

// New wires the orchestrator's dependencies. All collaborators must
// already be started (or capable of lazily connecting, in the SFU
// Client's case) by the time streams start being requested.
func New(
	st *store.Store,
	bus *runtime.EventBus,
	ports *portbroker.Broker,
	sfuClient *sfu.Client,
	sup *transcoder.Supervisor,
	consumers *consumer.Registry,
	extractionPool *extraction.Pool,
	cfg Config,
	log *logger.Logger,
) *Orchestrator {
	cfg.setDefaults()
	o := &Orchestrator{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		ports:      ports,
		sfuClient:  sfuClient,
		transcoder: sup,
		consumers:  consumers,
		extraction: extractionPool,
		log:        log,
		actors:     make(map[string]*streamfsm.Actor),
		cancels:    make(map[string]context.CancelFunc),
		waiters:    make(map[string]*startWaiter),
	}
	o.subscribe()
	return o
}

func (o *Orchestrator) subscribe() {
	o.unsubscribes = append(o.unsubscribes,
		o.bus.Subscribe("stream.state_changed", o.onStateChanged),
		o.bus.Subscribe("transcoder.ready", o.onTranscoderReady),
		o.bus.Subscribe("transcoder.died", o.onTranscoderDied),
		o.bus.Subscribe("sfu.disconnected", o.onSFUDisconnected),
	)
}

// Close unsubscribes from the event bus and stops every live actor. It
// does not tear down streams' external resources; that is the operator's
// job via stop_stream before a planned shutdown.
func (o *Orchestrator) Close() {
	for _, unsub := range o.unsubscribes {
		unsub()
	}
	o.actorsMu.Lock()
	actors := make([]*streamfsm.Actor, 0, len(o.actors))
	for _, a := range o.actors {
		actors = append(actors, a)
	}
	o.actorsMu.Unlock()
	for _, a := range actors {
		a.Close()
	}
}

// Restore re-attaches actors for every non-terminal Stream found in the
// store at process startup, so a restart resumes each stream's retry
// budget instead of forgetting it. Non-terminal streams left behind by an
// unclean shutdown re-enter INITIALIZING and are re-driven from scratch,
// since none of their in-process resources (port, transcoder, transport)
// survived the restart.
func (o *Orchestrator) Restore(ctx context.Context) error {
	streams, err := o.store.ListStreams(ctx, store.StreamFilter{Limit: 10000})
	if err != nil {
		return fmt.Errorf("failed to list streams for restore: %w", err)
	}
	for _, s := range streams {
		if s.State.IsTerminal() {
			continue
		}
		o.spawnActor(s.ID, store.StreamInitializing, s.RetryCount)
		if err := o.store.TransitionState(ctx, s.ID, store.StreamInitializing, store.StreamUpdate{
			ClearAssignedPort: true, ClearLastError: true,
		}); err != nil {
			o.log.Error("failed to reset stream to initializing on restore", "stream_id", s.ID, "error", err.Error())
			continue
		}
		go o.runPipeline(context.Background(), s.ID)
	}
	return nil
}

func (o *Orchestrator) spawnActor(streamID string, state store.StreamState, retryCount int) *streamfsm.Actor {
	actor := streamfsm.New(streamID, state, retryCount, o.store, o.bus, o.log)
	actor.Run(context.Background())
	o.actorsMu.Lock()
	o.actors[streamID] = actor
	o.actorsMu.Unlock()
	return actor
}

// LookupActor resolves a running actor by stream_id. Supplied to the
// Health Monitor as its ActorLookup.
func (o *Orchestrator) LookupActor(streamID string) (*streamfsm.Actor, bool) {
	o.actorsMu.Lock()
	defer o.actorsMu.Unlock()
	a, ok := o.actors[streamID]
	return a, ok
}

func (o *Orchestrator) setCancel(streamID string, cancel context.CancelFunc) {
	o.cancelsMu.Lock()
	o.cancels[streamID] = cancel
	o.cancelsMu.Unlock()
}

func (o *Orchestrator) popCancel(streamID string) (context.CancelFunc, bool) {
	o.cancelsMu.Lock()
	defer o.cancelsMu.Unlock()
	c, ok := o.cancels[streamID]
	delete(o.cancels, streamID)
	return c, ok
}

// StartResult is start_stream's response shape (§4.9, §6). RoomID mirrors
// StreamID: the SFU room backing a stream's producer is created with
// room_id == streamID (see runPipeline's plain transport setup), so the two
// are always identical, but §6 names them as separate response fields for
// consume clients that only look at room_id.
type StartResult struct {
	StreamID    string
	RoomID      string
	ProducerRef string
	Reconnect   bool
	Status      string
}

// StartStream drives INITIALIZING→LIVE synchronously up to cfg.StartDeadline.
// If a non-terminal Stream already exists for this device it returns that
// stream's identifiers with Reconnect=true and performs no new work (§4.9,
// §8's reconnect idempotence law; §9's open-question resolution that ERROR
// is non-terminal for this purpose).
func (o *Orchestrator) StartStream(ctx context.Context, deviceID string) (*StartResult, error) {
	if _, err := o.store.GetDevice(ctx, deviceID); err != nil {
		return nil, apierr.NotFound("device")
	}

	o.actorsMu.Lock()
	existing, err := o.store.GetNonTerminalStreamForDevice(ctx, deviceID)
	if err != nil {
		o.actorsMu.Unlock()
		return nil, apierr.Internal(err)
	}
	if existing != nil {
		o.actorsMu.Unlock()
		return &StartResult{
			StreamID:    existing.ID,
			RoomID:      existing.ID,
			ProducerRef: derefStr(existing.ProducerRef),
			Reconnect:   true,
			Status:      string(existing.State),
		}, nil
	}

	streamID := uuid.NewString()
	if err := o.store.CreateStream(ctx, &store.Stream{
		ID:          streamID,
		CameraID:    deviceID,
		State:       store.StreamInitializing,
		CodecConfig: "h264-baseline-3.1",
	}); err != nil {
		o.actorsMu.Unlock()
		return nil, apierr.Internal(err)
	}
	o.actorsMu.Unlock()
	o.spawnActor(streamID, store.StreamInitializing, 0)

	waitCh := o.registerWaiter(streamID)
	go o.runPipeline(context.Background(), streamID)

	select {
	case <-waitCh:
	case <-time.After(o.cfg.StartDeadline):
		o.forceStartTimeout(ctx, streamID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	final, err := o.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if final.State != store.StreamLive {
		return nil, startFailure(final)
	}

	return &StartResult{StreamID: streamID, RoomID: streamID, ProducerRef: derefStr(final.ProducerRef), Status: string(final.State)}, nil
}

func startFailure(s *store.Stream) error {
	code := apierr.CodeTranscoderError
	reason := "stream did not reach live before the start deadline"
	if s.LastError != nil {
		reason = *s.LastError
	}
	return apierr.New(code, apierr.KindTransientInfra, 502, reason).WithDetails(map[string]interface{}{
		"stream_id":     s.ID,
		"current_state": string(s.State),
	})
}

func (o *Orchestrator) forceStartTimeout(ctx context.Context, streamID string) {
	actor, ok := o.LookupActor(streamID)
	if !ok {
		return
	}
	switch actor.State() {
	case store.StreamInitializing:
		_ = actor.Send(ctx, streamfsm.SetupFailed{Reason: "start deadline exceeded before ssrc/producer setup completed"})
	case store.StreamReady:
		_ = actor.Send(ctx, streamfsm.ProduceFailed{Reason: "start deadline exceeded waiting for live media"})
	}
}

// StopStream transitions a device's active Stream to STOPPED, cancelling
// an in-flight start_stream if one is running (§5 cancellation). Idempotent:
// a device with no non-terminal Stream is a no-op (§8's idempotence law).
func (o *Orchestrator) StopStream(ctx context.Context, deviceID string) error {
	s, err := o.store.GetNonTerminalStreamForDevice(ctx, deviceID)
	if err != nil {
		return apierr.Internal(err)
	}
	if s == nil {
		return nil
	}
	if cancel, ok := o.popCancel(s.ID); ok {
		cancel()
	}
	actor, ok := o.LookupActor(s.ID)
	if !ok {
		return nil
	}
	return actor.Send(ctx, streamfsm.StopRequested{})
}

type ssrcResult struct {
	ssrc uint32
	err  error
}

// sourcePortKey namespaces a second port-broker reservation per stream for
// the transcoder's outbound RTP socket, kept distinct from the destination
// port the SSRC Capturer and, later, the SFU plain transport bind to. The
// two must never be the same port: the capturer's listen socket and
// ffmpeg's localport-bound send socket would otherwise race for the same
// address on loopback.
func sourcePortKey(streamID string) string {
	return "src:" + streamID
}

// runPipeline drives one stream's INITIALIZING→READY handshake (§4.4):
// reserve a UDP port, bind it long enough to sniff the transcoder's first
// RTP datagram for its SSRC, hand the same port to the SFU's plain
// transport, then create a Producer against the captured SSRC. It is
// invoked once per arrival at INITIALIZING, whether from start_stream or
// the actor's own ERROR→INITIALIZING retry (see onStateChanged).
func (o *Orchestrator) runPipeline(parent context.Context, streamID string) {
	actor, ok := o.LookupActor(streamID)
	if !ok {
		return
	}
	if actor.State() != store.StreamInitializing {
		return
	}

	pipelineCtx, cancel := context.WithTimeout(parent, o.cfg.StartDeadline)
	o.setCancel(streamID, cancel)
	defer func() {
		cancel()
		o.popCancel(streamID)
	}()

	fail := func(reason string) {
		_ = actor.Send(context.Background(), streamfsm.SetupFailed{Reason: reason})
	}

	stream, err := o.store.GetStream(pipelineCtx, streamID)
	if err != nil {
		fail("stream record vanished before setup could start")
		return
	}
	device, err := o.store.GetDevice(pipelineCtx, stream.CameraID)
	if err != nil {
		fail("device record vanished before setup could start")
		return
	}

	port, err := o.ports.Reserve(streamID)
	if err != nil {
		fail(err.Error())
		return
	}
	srcPort, err := o.ports.Reserve(sourcePortKey(streamID))
	if err != nil {
		o.ports.Release(streamID)
		fail(err.Error())
		return
	}
	releasePorts := func() {
		o.ports.Release(streamID)
		o.ports.Release(sourcePortKey(streamID))
	}

	ssrcCh := make(chan ssrcResult, 1)
	go func() {
		captured, cerr := ssrc.Capture(pipelineCtx, port, o.cfg.SSRCTimeout, o.log)
		ssrcCh <- ssrcResult{ssrc: captured, err: cerr}
	}()
	// Give the capture socket a moment to finish binding before the
	// transcoder starts sending; any datagrams that beat the bind are lost
	// and simply retransmitted as the encoder's next frame.
	time.Sleep(50 * time.Millisecond)

	if err := o.transcoder.Start(transcoder.Params{
		StreamID:       streamID,
		RTSPURL:        device.RTSPURL,
		DestHost:       o.cfg.TranscoderHost,
		DestPort:       port,
		SourcePort:     srcPort,
		RecordingsRoot: o.cfg.RecordingsRoot,
		SegmentSeconds: o.cfg.SegmentSeconds,
		Bitrate:        o.cfg.Bitrate,
	}); err != nil {
		releasePorts()
		fail(fmt.Sprintf("failed to start transcoder: %v", err))
		return
	}

	var capturedSSRC uint32
	select {
	case res := <-ssrcCh:
		if res.err != nil {
			_ = o.transcoder.Stop(streamID)
			releasePorts()
			_ = actor.Send(context.Background(), streamfsm.SSRCTimeout{})
			return
		}
		capturedSSRC = res.ssrc
	case <-pipelineCtx.Done():
		_ = o.transcoder.Stop(streamID)
		releasePorts()
		fail("start deadline exceeded before ssrc capture completed")
		return
	}

	transport, err := o.sfuClient.CreatePlainTransport(pipelineCtx, sfu.CreatePlainTransportParams{
		RoomID: streamID,
		Port:   port,
	})
	if err != nil {
		_ = o.transcoder.Stop(streamID)
		releasePorts()
		fail(fmt.Sprintf("failed to create sfu plain transport: %v", err))
		return
	}

	if err := o.sfuClient.ConnectPlainTransport(pipelineCtx, sfu.ConnectPlainTransportParams{
		TransportID: transport.TransportID,
		IP:          o.cfg.TranscoderHost,
		Port:        port,
	}); err != nil {
		_ = o.sfuClient.CloseTransport(pipelineCtx, transport.TransportID)
		_ = o.transcoder.Stop(streamID)
		releasePorts()
		fail(fmt.Sprintf("failed to connect sfu plain transport: %v", err))
		return
	}

	producer, err := o.sfuClient.CreateProducer(pipelineCtx, sfu.CreateProducerParams{
		TransportID: transport.TransportID,
		Kind:        "video",
		RtpParams: map[string]interface{}{
			"codec": stream.CodecConfig,
			"ssrc":  capturedSSRC,
		},
	})
	if err != nil {
		_ = o.sfuClient.CloseTransport(pipelineCtx, transport.TransportID)
		_ = o.transcoder.Stop(streamID)
		releasePorts()
		fail(fmt.Sprintf("failed to create sfu producer: %v", err))
		return
	}

	if err := o.store.CreateProducer(pipelineCtx, &store.Producer{
		ID:       uuid.NewString(),
		StreamID: streamID,
		SFUID:    producer.ProducerID,
		SSRC:     capturedSSRC,
		State:    store.ProducerActive,
	}); err != nil {
		_ = o.sfuClient.CloseProducer(pipelineCtx, producer.ProducerID)
		_ = o.sfuClient.CloseTransport(pipelineCtx, transport.TransportID)
		_ = o.transcoder.Stop(streamID)
		releasePorts()
		fail(fmt.Sprintf("failed to persist producer: %v", err))
		return
	}

	if err := actor.Send(context.Background(), streamfsm.SSRCCaptured{
		SSRC: capturedSSRC, ProducerRef: producer.ProducerID, Port: port,
	}); err != nil {
		o.log.Error("ssrc-captured transition rejected", "stream_id", streamID, "error", err.Error())
		return
	}
	// The stream now sits in READY until the transcoder's own readiness
	// line reaches onTranscoderReady and drives it to LIVE.
}

// registerWaiter returns a channel closed the first time streamID reaches
// LIVE, ERROR, or CLOSED, so start_stream can bound its synchronous wait.
func (o *Orchestrator) registerWaiter(streamID string) chan struct{} {
	o.waitersMu.Lock()
	defer o.waitersMu.Unlock()
	w := &startWaiter{ch: make(chan struct{})}
	o.waiters[streamID] = w
	return w.ch
}

func (o *Orchestrator) notifyWaiter(streamID string) {
	o.waitersMu.Lock()
	w, ok := o.waiters[streamID]
	if ok {
		delete(o.waiters, streamID)
	}
	o.waitersMu.Unlock()
	if ok {
		w.once.Do(func() { close(w.ch) })
	}
}

// onStateChanged reacts to every Stream State Machine transition: a fresh
// arrival at INITIALIZING (either the very first start_stream call, or the
// actor's own ERROR→INITIALIZING retry) re-drives the handshake pipeline;
// arrival at a state that ends the stream's active resource-holding
// (ERROR, STOPPED, CLOSED) releases whatever it was still holding.
func (o *Orchestrator) onStateChanged(e runtime.Event) {
	sc, ok := e.Payload.(streamfsm.StateChanged)
	if !ok {
		return
	}

	switch sc.To {
	case store.StreamInitializing:
		if sc.From == store.StreamError {
			go o.runPipeline(context.Background(), sc.StreamID)
		}
	case store.StreamLive, store.StreamError, store.StreamClosed:
		o.notifyWaiter(sc.StreamID)
	}

	if sc.To == store.StreamError || sc.To == store.StreamStopped || sc.To == store.StreamClosed {
		o.cleanupResources(context.Background(), sc.StreamID)
	}
}

// onTranscoderReady translates the Transcoder Supervisor's readiness
// signal (first useful stderr line) into the actor's READY→LIVE arrow.
// Sent unconditionally; the actor's own guard rejects it silently for any
// stream not currently in READY (§4.3's "transcoder-ready" arrow), which
// is normal for e.g. the READY-hold before this fires, or a stream that
// already moved on to ERROR/STOPPED by the time the line was scanned.
func (o *Orchestrator) onTranscoderReady(e runtime.Event) {
	ev, ok := e.Payload.(transcoder.ReadinessEvent)
	if !ok {
		return
	}
	actor, ok := o.LookupActor(ev.StreamID)
	if !ok {
		return
	}
	if err := actor.Send(context.Background(), streamfsm.TranscoderReady{}); err != nil {
		o.log.Debug("transcoder-ready send ignored", "stream_id", ev.StreamID, "error", err.Error())
	}
}

func (o *Orchestrator) onTranscoderDied(e runtime.Event) {
	ev, ok := e.Payload.(transcoder.FailureEvent)
	if !ok {
		return
	}
	actor, ok := o.LookupActor(ev.StreamID)
	if !ok {
		return
	}
	reason := fmt.Sprintf("transcoder exited (code %d, %s)", ev.ExitCode, ev.Classification)
	if err := actor.Send(context.Background(), streamfsm.TranscoderDied{Reason: reason}); err != nil {
		o.log.Debug("transcoder-died send ignored", "stream_id", ev.StreamID, "error", err.Error())
	}
}

// onSFUDisconnected implements §4.2's "Channel drop... orchestrator
// receives a connectivity event and marks all LIVE streams as ERROR."
func (o *Orchestrator) onSFUDisconnected(runtime.Event) {
	ctx := context.Background()
	live, err := o.store.ListStreams(ctx, store.StreamFilter{State: statePtr(store.StreamLive), Limit: 10000})
	if err != nil {
		o.log.Error("failed to list live streams on sfu disconnect", "error", err.Error())
		return
	}
	for _, s := range live {
		actor, ok := o.LookupActor(s.ID)
		if !ok {
			continue
		}
		if err := actor.Send(ctx, streamfsm.SFULost{Reason: "sfu control channel disconnected"}); err != nil {
			o.log.Debug("sfu-lost send ignored", "stream_id", s.ID, "error", err.Error())
		}
	}
}

// cleanupResources releases everything a stream might still be holding:
// its transcoder process, UDP port, and SFU producer/transports. Safe to
// call multiple times (every step is itself idempotent).
func (o *Orchestrator) cleanupResources(ctx context.Context, streamID string) {
	if err := o.transcoder.Stop(streamID); err != nil {
		o.log.Warn("failed to stop transcoder during cleanup", "stream_id", streamID, "error", err.Error())
	}
	o.ports.Release(streamID)
	o.ports.Release(sourcePortKey(streamID))

	producer, err := o.store.GetActiveProducerForStream(ctx, streamID)
	if err == nil && producer != nil {
		if err := o.sfuClient.CloseProducer(ctx, producer.SFUID); err != nil {
			o.log.Warn("failed to close sfu producer during cleanup", "stream_id", streamID, "error", err.Error())
		}
		if err := o.store.CloseProducer(ctx, producer.ID); err != nil {
			o.log.Warn("failed to mark producer closed during cleanup", "stream_id", streamID, "error", err.Error())
		}
	}
}

func statePtr(s store.StreamState) *store.StreamState { return &s }
func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// AttachConsumer, ConnectConsumer, DetachConsumer delegate to the
// Consumer Registry (§4.6); the orchestrator adds nothing beyond that
// existing preconditions/state ownership are already enforced there.
func (o *Orchestrator) AttachConsumer(ctx context.Context, streamID, clientID string, rtpCapabilities json.RawMessage) (*consumer.AttachResult, error) {
	return o.consumers.Attach(ctx, streamID, clientID, rtpCapabilities)
}

func (o *Orchestrator) ConnectConsumer(ctx context.Context, consumerID string, dtls json.RawMessage) error {
	return o.consumers.Connect(ctx, consumerID, dtls)
}

func (o *Orchestrator) DetachConsumer(ctx context.Context, consumerID string) error {
	return o.consumers.Detach(ctx, consumerID, "client requested detach")
}

// RouterCapabilities forwards §6's GET .../router-capabilities straight
// to the SFU: the core never inspects the blob, only relays it.
func (o *Orchestrator) RouterCapabilities(ctx context.Context) (sfu.RtpCapabilities, error) {
	return o.sfuClient.RouterCapabilities(ctx)
}

// healthyPacketLossPercent is the point-in-time threshold below which a
// LIVE stream's producer stats read as healthy on GET .../health (§3's
// supplemented health report fields, generalized from the Health
// Monitor's own stale-count heuristic in internal/health/monitor.go).
const healthyPacketLossPercent = 5.0

// HealthResult is the point-in-time answer to GET /v2/streams/{id}/health.
type HealthResult struct {
	IsHealthy   bool
	BitrateKbps float64
	Fps         float64
	PacketLoss  float64
	JitterMs    float64
	LastError   *string
}

// StreamHealth resolves the stream's active producer, if any, and fetches
// its current stats straight from the SFU (mirroring RouterCapabilities'
// pass-through pattern) rather than from the Health Monitor's own
// bookkeeping, which only retains a stale-count, not the full stats.
func (o *Orchestrator) StreamHealth(ctx context.Context, streamID string) (*HealthResult, error) {
	st, err := o.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, apierr.NotFound("stream")
	}

	producer, err := o.store.GetActiveProducerForStream(ctx, streamID)
	if err != nil || producer == nil {
		return &HealthResult{LastError: st.LastError}, nil
	}

	stats, err := o.sfuClient.GetProducerStats(ctx, producer.SFUID)
	if err != nil {
		return &HealthResult{LastError: st.LastError}, nil
	}

	return &HealthResult{
		IsHealthy:   st.State == store.StreamLive && stats.PacketLossPercent < healthyPacketLossPercent,
		BitrateKbps: stats.BitrateKbps,
		Fps:         stats.Fps,
		PacketLoss:  stats.PacketLossPercent,
		JitterMs:    stats.JitterMs,
		LastError:   st.LastError,
	}, nil
}

// CreateSnapshotParams describes one create_snapshot call (§4.9). A nil At
// requests a LIVE snapshot pulled straight from the RTSP source; a non-nil
// At requests a HISTORICAL one pulled from the HLS archive.
type CreateSnapshotParams struct {
	StreamID string
	At       *time.Time
	Metadata json.RawMessage
}

// CreateSnapshot records a pending Snapshot and enqueues the extraction
// job that will fill it in (§4.7).
func (o *Orchestrator) CreateSnapshot(ctx context.Context, p CreateSnapshotParams) (*store.Snapshot, error) {
	st, err := o.store.GetStream(ctx, p.StreamID)
	if err != nil {
		return nil, apierr.NotFound("stream")
	}

	snap := &store.Snapshot{ID: uuid.NewString(), StreamID: p.StreamID, Status: store.StatusProcessing}
	if len(p.Metadata) > 0 {
		meta := string(p.Metadata)
		snap.Metadata = &meta
	}
	job := extraction.Job{StreamID: p.StreamID, SnapshotID: snap.ID, CreatedAt: time.Now()}

	if p.At != nil {
		snap.Timestamp = *p.At
		snap.Source = store.SourceHistorical
		job.Kind = extraction.JobSnapshotHistorical
		job.At = *p.At
	} else {
		snap.Timestamp = time.Now()
		snap.Source = store.SourceLive
		job.Kind = extraction.JobSnapshotLive
		if device, derr := o.store.GetDevice(ctx, st.CameraID); derr == nil {
			job.RTSPURL = device.RTSPURL
		}
	}

	if err := o.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, apierr.Internal(err)
	}
	if err := o.extraction.Enqueue(job); err != nil {
		return nil, err
	}
	return snap, nil
}

// CreateBookmarkParams describes one create_bookmark call (§4.9). A nil
// CenterTime requests a LIVE bookmark centered on now, extended by
// WindowAfter once the trailing segments have landed; a non-nil CenterTime
// requests a HISTORICAL clip already fully present in the archive.
type CreateBookmarkParams struct {
	StreamID     string
	CenterTime   *time.Time
	WindowBefore time.Duration
	WindowAfter  time.Duration
	Label        *string
	EventType    *string
	Confidence   *float64
	Tags         *string
}

// CreateBookmark records a pending Bookmark and enqueues the extraction
// job that will fill it in (§4.7).
func (o *Orchestrator) CreateBookmark(ctx context.Context, p CreateBookmarkParams) (*store.Bookmark, error) {
	if _, err := o.store.GetStream(ctx, p.StreamID); err != nil {
		return nil, apierr.NotFound("stream")
	}
	if p.WindowBefore <= 0 && p.WindowAfter <= 0 {
		return nil, apierr.Validation("before_seconds and after_seconds cannot both be zero")
	}

	// An explicit 0 on one side means exactly that — a clip with no lead-in
	// or no tail, not "unset" — so it is clamped, never defaulted, as long
	// as the other side is positive (the both-zero case above already
	// rejects the only ambiguous input).
	before, after := p.WindowBefore, p.WindowAfter
	if before < 0 {
		before = 0
	}
	if after < 0 {
		after = 0
	}

	now := time.Now()
	bm := &store.Bookmark{
		ID: uuid.NewString(), StreamID: p.StreamID,
		DurationSeconds: (before + after).Seconds(),
		Label:           p.Label, EventType: p.EventType,
		Confidence: p.Confidence, Tags: p.Tags,
		Status: store.StatusProcessing,
	}
	job := extraction.Job{StreamID: p.StreamID, BookmarkID: bm.ID, CreatedAt: now, WindowBefore: before, WindowAfter: after}

	if p.CenterTime != nil {
		bm.CenterTimestamp = *p.CenterTime
		bm.StartTime = p.CenterTime.Add(-before)
		bm.EndTime = p.CenterTime.Add(after)
		bm.Source = store.SourceHistorical
		job.Kind = extraction.JobBookmarkHistorical
		job.CenterTime = *p.CenterTime
	} else {
		bm.CenterTimestamp = now
		bm.StartTime = now.Add(-before)
		bm.EndTime = now.Add(after)
		bm.Source = store.SourceLive
		job.Kind = extraction.JobBookmarkLive
	}

	if err := o.store.CreateBookmark(ctx, bm); err != nil {
		return nil, apierr.Internal(err)
	}
	if err := o.extraction.Enqueue(job); err != nil {
		return nil, err
	}
	return bm, nil
}
