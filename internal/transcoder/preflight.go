package transcoder

import (
	"fmt"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"

	"github.com/viewguard/mediagateway/internal/apierr"
)

// Preflight probes an RTSP URL with a DESCRIBE before a transcoder process
// is spawned for it, so an unreachable or video-less camera fails fast
// with a classified error instead of silently wasting an ffmpeg launch and
// the 8s SSRC-capture window. Grounded on the teacher's RTSPClient.connect
// (internal/camera/rtsp_client.go), generalized to do only the DESCRIBE
// step instead of a full play+decode cycle since the core's transcoder is
// the one that actually decodes. Every failure, a timeout included, is
// reported as RTSP_CONNECTION_FAILED; the start pipeline does not call it.
func Preflight(rtspURL string, timeout time.Duration) error {
	u, err := base.ParseURL(rtspURL)
	if err != nil {
		return apierr.New(apierr.CodeRtspConnectionFailed, apierr.KindPersistentCamera, 502,
			fmt.Sprintf("invalid rtsp url: %v", err))
	}

	client := &gortsplib.Client{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	defer client.Close()

	desc, _, err := client.Describe(u)
	if err != nil {
		return apierr.New(apierr.CodeRtspConnectionFailed, apierr.KindPersistentCamera, 502,
			fmt.Sprintf("rtsp describe failed: %v", err))
	}

	for _, media := range desc.Medias {
		for _, f := range media.Formats {
			if _, ok := f.(*format.H264); ok {
				return nil
			}
		}
	}

	return apierr.New(apierr.CodeRtspConnectionFailed, apierr.KindPersistentCamera, 502,
		"rtsp source advertises no H.264 video track")
}
