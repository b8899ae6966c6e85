package ssrc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewguard/mediagateway/internal/apierr"
	"github.com/viewguard/mediagateway/internal/logger"
)

func freePort(t *testing.T) int {
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	port := l.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestCaptureExtractsSSRCFromFirstPacket(t *testing.T) {
	port := freePort(t)
	log := logger.NewNopLogger()

	resultCh := make(chan uint32, 1)
	errCh := make(chan error, 1)
	go func() {
		ssrc, err := Capture(context.Background(), port, 2*time.Second, log)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- ssrc
	}()

	time.Sleep(50 * time.Millisecond) // let Capture bind before we send

	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	require.NoError(t, err)
	defer sender.Close()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: 1,
			Timestamp:      0,
			SSRC:           0xdeadbeef,
		},
		Payload: []byte{0x01, 0x02, 0x03},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = sender.Write(raw)
	require.NoError(t, err)

	select {
	case ssrc := <-resultCh:
		assert.Equal(t, uint32(0xdeadbeef), ssrc)
	case err := <-errCh:
		t.Fatalf("capture returned error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("capture did not return in time")
	}
}

func TestCaptureTimesOutWhenNoPacketArrives(t *testing.T) {
	port := freePort(t)
	_, err := Capture(context.Background(), port, 100*time.Millisecond, logger.NewNopLogger())
	require.Error(t, err)

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeSsrcCaptureFailed, apiErr.Code)
}

func TestCaptureIgnoresTooShortDatagrams(t *testing.T) {
	port := freePort(t)
	log := logger.NewNopLogger()

	resultCh := make(chan uint32, 1)
	go func() {
		ssrc, err := Capture(context.Background(), port, time.Second, log)
		if err == nil {
			resultCh <- ssrc
		}
	}()

	time.Sleep(50 * time.Millisecond)
	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Write([]byte{0x01, 0x02}) // too short to be a valid RTP header
	require.NoError(t, err)

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SSRC: 42}, Payload: []byte{0xaa}}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = sender.Write(raw)
	require.NoError(t, err)

	select {
	case ssrc := <-resultCh:
		assert.Equal(t, uint32(42), ssrc)
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not recover from the short datagram")
	}
}
