// Package portbroker hands out UDP ports from a configured range for RTP
// ingress, one per active stream (§4.1). The deterministic hash-of-stream-id
// mapping is grounded on the original gateway's get_ffmpeg_source_port, but
// the registry of who actually holds a port is the sole source of truth —
// the hash is only a starting point for probing.
package portbroker

import (
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"sync"

	"github.com/viewguard/mediagateway/internal/apierr"
)

const maxProbeAttempts = 64

// Broker serializes reservation and release of a UDP port range across
// all streams via a single mutex, per §5's shared-resource rule.
type Broker struct {
	mu       sync.Mutex
	min, max int
	held     map[int]string // port -> stream_id
	byStream map[string]int // stream_id -> port
}

func New(min, max int) *Broker {
	return &Broker{
		min:      min,
		max:      max,
		held:     make(map[int]string),
		byStream: make(map[string]int),
	}
}

// Reserve derives a candidate port deterministically from streamID, then
// probes forward (wrapping within the range) for a port neither held by
// this registry nor actually bindable on the host.
func (b *Broker) Reserve(streamID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.byStream[streamID]; ok {
		return p, nil // idempotent: stream already holds a port
	}

	size := b.max - b.min + 1
	if size <= 0 {
		return 0, apierr.New(apierr.CodeNoPortsAvailable, apierr.KindResource, http.StatusServiceUnavailable, "port range is empty")
	}

	start := b.min + int(hashStreamID(streamID)%uint32(size))

	for attempt := 0; attempt < maxProbeAttempts && attempt < size; attempt++ {
		candidate := b.min + (start-b.min+attempt)%size
		if _, taken := b.held[candidate]; taken {
			continue
		}
		if !probeBind(candidate) {
			continue
		}
		b.held[candidate] = streamID
		b.byStream[streamID] = candidate
		return candidate, nil
	}

	probes := maxProbeAttempts
	if size < probes {
		probes = size
	}
	return 0, apierr.New(apierr.CodeNoPortsAvailable, apierr.KindResource, http.StatusServiceUnavailable,
		fmt.Sprintf("no UDP port available in range [%d,%d] after %d probes", b.min, b.max, probes))
}

// Release reclaims the port held by streamID. Idempotent: releasing a
// stream that holds nothing is a no-op.
func (b *Broker) Release(streamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	port, ok := b.byStream[streamID]
	if !ok {
		return
	}
	delete(b.byStream, streamID)
	delete(b.held, port)
}

// Holder reports which stream currently holds a port, for diagnostics.
func (b *Broker) Holder(port int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.held[port]
	return id, ok
}

func hashStreamID(streamID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(streamID))
	return h.Sum32()
}

// probeBind attempts a non-blocking bind to confirm the port is actually
// free on the host, then immediately releases it. A transient failure to
// bind (e.g. another process briefly holding it) is treated as "not
// available" rather than fatal — the caller walks to the next candidate.
func probeBind(port int) bool {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
