// Package ssrc implements the SSRC Capturer (§4.4): the handshake step
// between the Port Broker reserving a UDP port and the SFU being told what
// SSRC to expect on it. It binds the reserved port, waits for the
// transcoder's first RTP datagram, parses the RTP header to recover the
// sender's SSRC, then releases the socket so the SFU's plain transport can
// take over the same port.
//
// Grounded on the original gateway's rtsp_pipeline.py capture_rtp_ssrc /
// capture_ssrc_with_temp_ffmpeg (bind-wait-unpack-close sequence), with the
// manual struct.unpack('>I', data[8:12]) replaced by a real RTP header
// parse via github.com/pion/rtp, the library the teacher's own
// internal/camera/rtsp_client.go already depends on for RTP handling.
package ssrc

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pion/rtp"

	"github.com/viewguard/mediagateway/internal/apierr"
	"github.com/viewguard/mediagateway/internal/logger"
)

const (
	// quiescence is how long the capturer keeps the socket open after
	// extracting the SSRC, draining any immediately-following datagrams
	// before handing the port to the SFU, so the transcoder's next few
	// packets don't land on a closed socket and generate ICMP port-unreachable
	// noise back at it.
	quiescence = 100 * time.Millisecond

	minRTPLen = 12 // fixed RTP header length; anything shorter can't carry a valid SSRC
)

// Capture binds to port on localhost, waits up to timeout for the first RTP
// datagram and returns its SSRC. The caller must have already reserved the
// port via the Port Broker and must release the port itself if Capture
// fails, since the Port Broker's reservation semantics are independent of
// socket lifetime.
func Capture(ctx context.Context, port int, timeout time.Duration, log *logger.Logger) (uint32, error) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return 0, apierr.Wrap(apierr.CodeSsrcCaptureFailed, apierr.KindTransientCamera, http.StatusBadGateway,
			"failed to bind ssrc capture socket", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, apierr.Wrap(apierr.CodeSsrcCaptureFailed, apierr.KindInternal, http.StatusInternalServerError,
			"failed to set read deadline", err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, apierr.New(apierr.CodeSsrcCaptureFailed, apierr.KindTransientCamera, http.StatusGatewayTimeout,
					"timed out waiting for the first rtp packet")
			}
			return 0, apierr.Wrap(apierr.CodeSsrcCaptureFailed, apierr.KindTransientCamera, http.StatusBadGateway,
				"error reading rtp packet", err)
		}
		if n < minRTPLen {
			log.Warn("rtp packet too short to carry an ssrc", "port", port, "bytes", n)
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Warn("failed to parse rtp packet while capturing ssrc", "port", port, "error", err.Error())
			continue
		}

		drain(conn)
		return pkt.SSRC, nil
	}
}

// drain gives the transcoder's immediately-following packets somewhere to
// land before the socket closes, rather than handing the port to the SFU
// while stray datagrams are still in flight.
func drain(conn *net.UDPConn) {
	_ = conn.SetReadDeadline(time.Now().Add(quiescence))
	buf := make([]byte, 1500)
	for {
		if _, _, err := conn.ReadFromUDP(buf); err != nil {
			return
		}
	}
}
