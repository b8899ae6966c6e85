// Package health implements the Health Monitor. Rewritten from the
// teacher's passive HTTP /health aggregator (Checker interface polled only
// on request) into an active per-stream ticker, per the redesign flag: the
// Health Monitor now evaluates a readiness predicate on its own schedule
// and feeds the outcome directly into the Stream State Machine mailbox
// rather than waiting to be asked. The stale/packet-count bookkeeping and
// restart-trigger shape are grounded on
// original_source/backend/app/services/stream_health_monitor.py's
// StreamHealthMonitor (check_interval, stale_threshold, per-producer
// packet counters).
package health

import (
	"context"
	"sync"
	"time"

	"github.com/viewguard/mediagateway/internal/logger"
	"github.com/viewguard/mediagateway/internal/runtime"
	"github.com/viewguard/mediagateway/internal/sfu"
	"github.com/viewguard/mediagateway/internal/store"
	"github.com/viewguard/mediagateway/internal/streamfsm"
)

const (
	// DefaultCheckInterval matches stream_health_monitor.py's check_interval.
	DefaultCheckInterval = 10 * time.Second
	// DefaultStaleThreshold matches stream_health_monitor.py's stale_threshold.
	DefaultStaleThreshold = 3
	// settleDelay lets a just-LIVE stream's first RTP packets land before
	// the first stats poll, mirroring the monitor loop's initial 5s sleep.
	settleDelay = 5 * time.Second
)

// ActorLookup resolves a stream_id to its running Stream State Machine
// actor. Supplied by the Stream Orchestrator, which owns the registry of
// live actors; the Health Monitor never creates or owns actors itself.
type ActorLookup func(streamID string) (*streamfsm.Actor, bool)

type producerTracking struct {
	lastPackets int64
	staleCount  int
}

// Monitor polls SFU producer stats on a fixed interval and translates the
// packetsReceived readiness predicate into streamfsm events: a READY
// stream whose producer is flowing packets is promoted to LIVE, and a LIVE
// stream whose producer has gone stale for StaleThreshold consecutive
// checks is pushed to ERROR so the actor's own retry/backoff logic takes
// over.
type Monitor struct {
	runtime.Base

	store         *store.Store
	sfu           *sfu.Client
	lookup        ActorLookup
	checkInterval time.Duration
	staleThresh   int

	mu       sync.Mutex
	tracking map[string]*producerTracking // keyed by producer ID

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(st *store.Store, sfuClient *sfu.Client, lookup ActorLookup, bus *runtime.EventBus, log *logger.Logger) *Monitor {
	return &Monitor{
		Base:          runtime.NewBase("health-monitor", log, bus),
		store:         st,
		sfu:           sfuClient,
		lookup:        lookup,
		checkInterval: DefaultCheckInterval,
		staleThresh:   DefaultStaleThreshold,
		tracking:      make(map[string]*producerTracking),
		stopCh:        make(chan struct{}),
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	m.Status.SetStarting()
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop(ctx)
	m.Status.SetRunning()
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	m.Status.SetStopping()
	close(m.stopCh)
	m.wg.Wait()
	m.Status.SetStopped()
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	select {
	case <-time.After(settleDelay):
	case <-m.stopCh:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	stats, err := m.sfu.GetAllProducerStats(ctx)
	if err != nil {
		m.Logger.Warn("failed to fetch producer stats", "error", err.Error())
		return
	}

	seen := make(map[string]bool, len(stats))
	for _, stat := range stats {
		seen[stat.ProducerID] = true
		m.checkOne(ctx, stat)
	}
	m.forgetMissingProducers(seen)
}

func (m *Monitor) checkOne(ctx context.Context, stat sfu.ProducerStats) {
	producer, err := m.store.GetProducer(ctx, stat.ProducerID)
	if err != nil || producer == nil || producer.State != store.ProducerActive {
		return
	}

	m.mu.Lock()
	track, known := m.tracking[stat.ProducerID]
	if !known {
		track = &producerTracking{lastPackets: stat.PacketsReceived}
		m.tracking[stat.ProducerID] = track
		m.mu.Unlock()
		if stat.PacketsReceived > 0 {
			m.promoteIfReady(ctx, producer.StreamID)
		}
		return
	}

	healthy := stat.PacketsReceived > track.lastPackets
	track.lastPackets = stat.PacketsReceived
	if healthy {
		track.staleCount = 0
		m.mu.Unlock()
		m.promoteIfReady(ctx, producer.StreamID)
		return
	}

	track.staleCount++
	staleCount := track.staleCount
	m.mu.Unlock()

	m.Logger.Warn("producer stale", "producer_id", stat.ProducerID, "stream_id", producer.StreamID,
		"stale_count", staleCount, "threshold", m.staleThresh, "packets_received", stat.PacketsReceived)

	if staleCount >= m.staleThresh {
		m.markStale(ctx, producer.StreamID, stat.ProducerID)
	}
}

// promoteIfReady sends TranscoderReady to a stream still in READY the
// first time its producer is observed carrying packets; a no-op
// (invalid-transition, logged and ignored) once the stream is already LIVE.
func (m *Monitor) promoteIfReady(ctx context.Context, streamID string) {
	st, err := m.store.GetStream(ctx, streamID)
	if err != nil || st.State != store.StreamReady {
		return
	}
	actor, ok := m.lookup(streamID)
	if !ok {
		return
	}
	if err := actor.Send(ctx, streamfsm.TranscoderReady{}); err != nil {
		m.Logger.Debug("transcoder-ready send ignored", "stream_id", streamID, "error", err.Error())
	}
}

func (m *Monitor) markStale(ctx context.Context, streamID, producerID string) {
	actor, ok := m.lookup(streamID)
	if !ok {
		return
	}
	m.Logger.Error("producer stats flat, pushing stream to error", "stream_id", streamID, "producer_id", producerID)
	if err := actor.Send(ctx, streamfsm.StatsFlat{Reason: "producer stats flat past stale threshold"}); err != nil {
		m.Logger.Debug("stats-flat send ignored", "stream_id", streamID, "error", err.Error())
	}

	m.mu.Lock()
	delete(m.tracking, producerID)
	m.mu.Unlock()
}

// forgetMissingProducers drops tracking state for producers the SFU no
// longer reports, so a closed-and-recreated producer with the same stream
// starts its stale count fresh instead of inheriting stale history.
func (m *Monitor) forgetMissingProducers(seen map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.tracking {
		if !seen[id] {
			delete(m.tracking, id)
		}
	}
}
