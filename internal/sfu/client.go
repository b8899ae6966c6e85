// Package sfu implements the SFU Control Client (§4.2): a single
// persistent bidirectional channel to the SFU worker, multiplexing
// correlated request/response calls and forwarding out-of-band events
// (producer closed, transport closed) to subscribers. The correlation
// model follows mikeyg42-webcam's jsonrpc2-over-websocket shape
// (internal/webrtc/manager.go in the retrieval pack), generalized into a
// proper pending-call table instead of a single in-flight request, per
// spec §9's explicit call to replace "promise-based request/response over
// a shared WebSocket" with a correlation-id-keyed table.
package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/viewguard/mediagateway/internal/apierr"
	"github.com/viewguard/mediagateway/internal/logger"
	"github.com/viewguard/mediagateway/internal/runtime"
)

// Event is an out-of-band notification from the SFU worker not tied to any
// pending call (e.g. "producerclosed", "transportclosed").
type Event struct {
	Type     string
	RoomID   string
	Producer string
	Payload  json.RawMessage
}

// EventHandler receives SFU-pushed events.
type EventHandler func(Event)

// Client is the SFU Control Client. It owns exactly one websocket
// connection at a time; reconnection is handled internally with backoff.
type Client struct {
	runtime.Base

	url            string
	callTimeout    time.Duration
	pendingCap     int
	reconnectMin   time.Duration
	reconnectMax   time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[uint64]chan *jsonrpc2.Response
	nextID   uint64
	closed   bool
	connUp   bool

	eventHandlers []EventHandler
	ehMu          sync.Mutex

	writeMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures a Client's dial and timeout behavior.
type Config struct {
	URL             string
	CallTimeout     time.Duration
	PendingCallCap  int
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	AnnouncedPublic string
}

func New(cfg Config, log *logger.Logger, bus *runtime.EventBus) *Client {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 8 * time.Second
	}
	if cfg.PendingCallCap == 0 {
		cfg.PendingCallCap = 256
	}
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Client{
		Base:         runtime.NewBase("sfu-control-client", log, bus),
		url:          cfg.URL,
		callTimeout:  cfg.CallTimeout,
		pendingCap:   cfg.PendingCallCap,
		reconnectMin: cfg.ReconnectMin,
		reconnectMax: cfg.ReconnectMax,
		pending:      make(map[uint64]chan *jsonrpc2.Response),
		stopCh:       make(chan struct{}),
	}
}

func (c *Client) Name() string { return "sfu-control-client" }

// Start dials the SFU worker and begins the reconnect-with-backoff loop.
// It does not block waiting for the first successful connection — callers
// that need readiness should watch connection events on the bus.
func (c *Client) Start(ctx context.Context) error {
	c.Status.SetStarting()
	c.wg.Add(1)
	go c.connectionLoop(ctx)
	c.Status.SetRunning()
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.Status.SetStopping()
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	c.failAllPending(apierr.New(apierr.CodeSfuDisconnected, apierr.KindTransientInfra, 503, "sfu control client stopped"))
	c.Status.SetStopped()
	return nil
}

// OnEvent registers a handler invoked for every pushed SFU event.
func (c *Client) OnEvent(h EventHandler) {
	c.ehMu.Lock()
	defer c.ehMu.Unlock()
	c.eventHandlers = append(c.eventHandlers, h)
}

func (c *Client) connectionLoop(ctx context.Context) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.reconnectMin
	bo.MaxInterval = c.reconnectMax
	bo.MaxElapsedTime = 0 // reconnect forever until Stop

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.Logger.Warn("sfu dial failed", "url", c.url, "error", err)
			c.Bus.Publish(runtime.Event{Kind: "sfu.disconnected", Source: c.Name(), Payload: err})
			wait := bo.NextBackOff()
			select {
			case <-time.After(wait):
				continue
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		bo.Reset()
		c.mu.Lock()
		c.conn = conn
		c.connUp = true
		c.mu.Unlock()
		c.Bus.Publish(runtime.Event{Kind: "sfu.connected", Source: c.Name()})

		c.readLoop(conn)

		c.mu.Lock()
		c.connUp = false
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()

		// Channel drop: every pending call fails, LIVE streams' owning
		// actors receive the connectivity event and self-transition to ERROR.
		c.failAllPending(apierr.New(apierr.CodeSfuDisconnected, apierr.KindTransientInfra, 503, "sfu control channel dropped"))
		c.Bus.Publish(runtime.Event{Kind: "sfu.disconnected", Source: c.Name()})

		if closed {
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes an inbound frame either to a pending call (by
// correlation id) or to event subscribers. A response whose id matches no
// pending call is dropped with a diagnostic, per §4.2.
func (c *Client) dispatch(data []byte) {
	var probe struct {
		ID     *jsonrpc2.ID     `json:"id,omitempty"`
		Method string           `json:"method,omitempty"`
		Result *json.RawMessage `json:"result,omitempty"`
		Error  *jsonrpc2.Error  `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.Logger.Warn("sfu sent malformed frame", "error", err)
		return
	}

	if probe.Method != "" && probe.ID == nil {
		c.handlePushedEvent(probe.Method, data)
		return
	}

	if probe.ID == nil {
		c.Logger.Warn("sfu response carried no correlation id, dropping")
		return
	}

	resp := &jsonrpc2.Response{ID: *probe.ID, Result: probe.Result, Error: probe.Error}

	c.mu.Lock()
	ch, ok := c.pending[probe.ID.Num]
	if ok {
		delete(c.pending, probe.ID.Num)
	}
	c.mu.Unlock()

	if !ok {
		c.Logger.Warn("sfu response correlation id not found, dropping", "id", probe.ID.Num)
		return
	}
	ch <- resp
}

func (c *Client) handlePushedEvent(method string, data []byte) {
	var env struct {
		Params json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(data, &env)

	var fields struct {
		RoomID   string `json:"room_id"`
		Producer string `json:"producer_id"`
	}
	_ = json.Unmarshal(env.Params, &fields)

	ev := Event{Type: method, RoomID: fields.RoomID, Producer: fields.Producer, Payload: env.Params}

	c.ehMu.Lock()
	handlers := append([]EventHandler(nil), c.eventHandlers...)
	c.ehMu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// call sends a request and blocks until its response arrives, the
// call-specific context is cancelled, or the channel drops.
func (c *Client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	c.mu.Lock()
	if !c.connUp || c.conn == nil {
		c.mu.Unlock()
		return apierr.New(apierr.CodeSfuUnavailable, apierr.KindTransientInfra, 503, "sfu control channel is not connected")
	}
	if len(c.pending) >= c.pendingCap {
		c.mu.Unlock()
		return apierr.New(apierr.CodeSfuOverloaded, apierr.KindTransientInfra, 503, "sfu control channel pending-call table is full")
	}

	id := atomic.AddUint64(&c.nextID, 1)
	respCh := make(chan *jsonrpc2.Response, 1)
	c.pending[id] = respCh
	conn := c.conn
	c.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		c.removePending(id)
		return apierr.Internal(fmt.Errorf("failed to marshal sfu request params: %w", err))
	}
	rawMsg := json.RawMessage(raw)

	req := &jsonrpc2.Request{
		Method: method,
		Params: &rawMsg,
		ID:     jsonrpc2.ID{Num: id},
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	c.writeMu.Lock()
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		return apierr.New(apierr.CodeSfuUnavailable, apierr.KindTransientInfra, 503, "failed to write to sfu control channel")
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return apierr.New(apierr.CodeSfuUnavailable, apierr.KindTransientInfra, 502,
				fmt.Sprintf("sfu rejected %s: %s", method, resp.Error.Message))
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(*resp.Result, result); err != nil {
				return apierr.Internal(fmt.Errorf("failed to decode sfu response for %s: %w", method, err))
			}
		}
		return nil
	case <-callCtx.Done():
		c.removePending(id)
		return apierr.New(apierr.CodeSfuUnavailable, apierr.KindDeadline, 504, fmt.Sprintf("sfu call %s timed out", method))
	}
}

func (c *Client) removePending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan *jsonrpc2.Response)
	c.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- &jsonrpc2.Response{Error: &jsonrpc2.Error{Message: err.Error()}}:
		default:
		}
	}
}

// Connected reports whether the control channel is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connUp
}
