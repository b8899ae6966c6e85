package sfu

import (
	"context"
	"encoding/json"
)

// RtpCapabilities is an opaque blob describing what codecs/parameters a
// side of the connection supports; the core never inspects its fields,
// only ferries it between the SFU and HTTP clients (§6 router-capabilities).
type RtpCapabilities map[string]interface{}

// RouterCapabilities requests the SFU's global RTP capabilities.
func (c *Client) RouterCapabilities(ctx context.Context) (RtpCapabilities, error) {
	var caps RtpCapabilities
	err := c.call(ctx, "get-router-rtp-capabilities", struct{}{}, &caps)
	return caps, err
}

type CreatePlainTransportParams struct {
	RoomID string `json:"room_id"`
	Port   int    `json:"port,omitempty"`
	Comedia bool  `json:"comedia"`
}

type PlainTransportResult struct {
	TransportID string `json:"transport_id"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
}

func (c *Client) CreatePlainTransport(ctx context.Context, p CreatePlainTransportParams) (*PlainTransportResult, error) {
	var res PlainTransportResult
	err := c.call(ctx, "create-plain-transport", p, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

type ConnectPlainTransportParams struct {
	TransportID string `json:"transport_id"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
}

func (c *Client) ConnectPlainTransport(ctx context.Context, p ConnectPlainTransportParams) error {
	return c.call(ctx, "connect-plain-transport", p, nil)
}

type CreateProducerParams struct {
	TransportID string                 `json:"transport_id"`
	Kind        string                 `json:"kind"`
	RtpParams   map[string]interface{} `json:"rtp_parameters"`
}

type ProducerResult struct {
	ProducerID string `json:"producer_id"`
}

func (c *Client) CreateProducer(ctx context.Context, p CreateProducerParams) (*ProducerResult, error) {
	var res ProducerResult
	err := c.call(ctx, "create-producer", p, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

type CreateWebRTCTransportParams struct {
	RoomID string `json:"room_id"`
}

type WebRTCTransportResult struct {
	TransportID    string          `json:"transport_id"`
	IceParameters  json.RawMessage `json:"ice_parameters"`
	IceCandidates  json.RawMessage `json:"ice_candidates"`
	DtlsParameters json.RawMessage `json:"dtls_parameters"`
}

func (c *Client) CreateWebRTCTransport(ctx context.Context, p CreateWebRTCTransportParams) (*WebRTCTransportResult, error) {
	var res WebRTCTransportResult
	err := c.call(ctx, "create-webrtc-transport", p, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

type ConnectWebRTCTransportParams struct {
	TransportID    string          `json:"transport_id"`
	DtlsParameters json.RawMessage `json:"dtls_parameters"`
}

func (c *Client) ConnectWebRTCTransport(ctx context.Context, p ConnectWebRTCTransportParams) error {
	return c.call(ctx, "connect-webrtc-transport", p, nil)
}

type CreateConsumerParams struct {
	TransportID     string          `json:"transport_id"`
	ProducerID      string          `json:"producer_id"`
	RtpCapabilities json.RawMessage `json:"rtp_capabilities"`
}

type ConsumerResult struct {
	ConsumerID     string          `json:"consumer_id"`
	Kind           string          `json:"kind"`
	RtpParameters  json.RawMessage `json:"rtp_parameters"`
}

func (c *Client) CreateConsumer(ctx context.Context, p CreateConsumerParams) (*ConsumerResult, error) {
	var res ConsumerResult
	err := c.call(ctx, "create-consumer", p, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CloseProducer(ctx context.Context, producerID string) error {
	return c.call(ctx, "close-producer", struct {
		ProducerID string `json:"producer_id"`
	}{producerID}, nil)
}

func (c *Client) CloseTransport(ctx context.Context, transportID string) error {
	return c.call(ctx, "close-transport", struct {
		TransportID string `json:"transport_id"`
	}{transportID}, nil)
}

func (c *Client) CloseTransportsForRoom(ctx context.Context, roomID string) error {
	return c.call(ctx, "close-transports-for-room", struct {
		RoomID string `json:"room_id"`
	}{roomID}, nil)
}

// ProducerStats mirrors the readiness predicate §4.3's READY→LIVE guard
// evaluates: rtpBytesReceived / packetsReceived being nonzero.
type ProducerStats struct {
	ProducerID        string  `json:"producer_id"`
	PacketsReceived   int64   `json:"packets_received"`
	RtpBytesReceived  int64   `json:"rtp_bytes_received"`
	BitrateKbps       float64 `json:"bitrate_kbps"`
	Fps               float64 `json:"fps"`
	PacketLossPercent float64 `json:"packet_loss_percent"`
	JitterMs          float64 `json:"jitter_ms"`
}

func (c *Client) GetProducerStats(ctx context.Context, producerID string) (*ProducerStats, error) {
	var res ProducerStats
	err := c.call(ctx, "get-producer-stats", struct {
		ProducerID string `json:"producer_id"`
	}{producerID}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetAllProducerStats(ctx context.Context) ([]ProducerStats, error) {
	var res []ProducerStats
	err := c.call(ctx, "get-all-producer-stats", struct{}{}, &res)
	return res, err
}
