// Package transcoder supervises one ffmpeg child process per stream
// (§4.5): it builds the dual-branch RTP+HLS command line, parses stderr
// line-by-line for readiness and failure signals, and enforces the
// graceful-then-SIGKILL termination sequence. The process-supervision
// shape is grounded on the teacher's internal/video/clip_recorder.go
// (context-bound cmd, a monitor goroutine racing ctx.Done against the
// process's own exit, cleanup of partial output) and its
// internal/video/ffmpeg.go wrapper (path detection, CombinedOutput
// probing); the dual RTP+HLS argv shape is grounded on the original
// gateway's rtsp_pipeline.py start_stream.
package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/viewguard/mediagateway/internal/logger"
	"github.com/viewguard/mediagateway/internal/runtime"
)

const (
	terminateGrace = 3 * time.Second
)

// Params describes one stream's transcode job (§4.5).
type Params struct {
	StreamID       string
	RTSPURL        string
	DestHost       string
	DestPort       int
	SourcePort     int // localport binding of the RTP output, mirrors the original's deterministic source port
	SSRC           *uint32
	RecordingsRoot string
	SegmentSeconds int
	Bitrate        string
}

// ReadinessEvent and FailureEvent are published on the EventBus (kind
// "transcoder.ready" / "transcoder.died") so a stream's coordinator can
// react without polling.
type ReadinessEvent struct {
	StreamID string
}

type FailureEvent struct {
	StreamID        string
	ExitCode        int
	LastStderrLines []string
	Classification  string // connection_refused | no_video | codec_negotiation | unknown
}

// Supervisor manages the lifecycle of ffmpeg child processes, one per
// active stream.
type Supervisor struct {
	log        *logger.Logger
	bus        *runtime.EventBus
	ffmpegPath string

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool

	mu          sync.Mutex
	recentLines []string
}

func New(log *logger.Logger, bus *runtime.EventBus) (*Supervisor, error) {
	path, err := detectFFmpeg()
	if err != nil {
		return nil, err
	}
	return &Supervisor{log: log, bus: bus, ffmpegPath: path, procs: make(map[string]*process)}, nil
}

func detectFFmpeg() (string, error) {
	for _, p := range []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"} {
		if err := exec.Command(p, "-version").Run(); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("ffmpeg not found in PATH or common locations")
}

// Start spawns the transcoder for a stream. It returns once the process
// has been launched; readiness/failure are reported asynchronously via
// the EventBus.
func (s *Supervisor) Start(p Params) error {
	s.mu.Lock()
	if _, exists := s.procs[p.StreamID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("transcoder already running for stream %s", p.StreamID)
	}
	s.mu.Unlock()

	segDir := filepath.Join(p.RecordingsRoot, p.StreamID)
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return fmt.Errorf("failed to create recording directory: %w", err)
	}

	args := buildArgs(p, segDir)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to attach stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	proc := &process{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.procs[p.StreamID] = proc
	s.mu.Unlock()

	go s.monitorStderr(p.StreamID, stderr, proc)
	go s.monitorExit(p.StreamID, proc)

	return nil
}

func buildArgs(p Params, segDir string) []string {
	args := []string{
		"-loglevel", "warning",
		"-rtsp_transport", "tcp",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", p.RTSPURL,

		"-map", "0:v:0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "3.1",
		"-pix_fmt", "yuv420p",
		"-g", "30",
		"-b:v", p.Bitrate,
		"-r", "30",
		"-f", "rtp",
		"-payload_type", "96",
	}

	if p.SSRC != nil {
		args = append(args, "-ssrc", strconv.FormatInt(signedSSRC(*p.SSRC), 10))
	}

	rtpTarget := fmt.Sprintf("rtp://%s:%d?pkt_size=1200", p.DestHost, p.DestPort)
	if p.SourcePort != 0 {
		rtpTarget += fmt.Sprintf("&localport=%d", p.SourcePort)
	}
	args = append(args, rtpTarget)

	segDuration := p.SegmentSeconds
	if segDuration == 0 {
		segDuration = 6
	}
	playlist := filepath.Join(segDir, "playlist.m3u8")
	// hls_start_number_source=epoch makes ffmpeg's %d segment counter the
	// segment's own Unix-epoch start second, matching §4.8's filename contract.
	segPattern := filepath.Join(segDir, "segment-%d.ts")

	args = append(args,
		"-map", "0:v:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "main",
		"-level", "4.0",
		"-pix_fmt", "yuv420p",
		"-g", strconv.Itoa(segDuration*10),
		"-b:v", "3000k",
		"-r", "30",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segDuration),
		"-hls_flags", "append_list+delete_segments",
		"-hls_segment_filename", segPattern,
		"-hls_start_number_source", "epoch",
		"-strftime", "0",
		playlist,
	)

	return args
}

// signedSSRC converts the unsigned 32-bit SSRC into the signed
// representation ffmpeg's -ssrc flag expects (§4.5/original rtsp_pipeline).
func signedSSRC(ssrc uint32) int64 {
	if ssrc > 0x7fffffff {
		return int64(ssrc) - 0x100000000
	}
	return int64(ssrc)
}

var fatalPrefixes = map[string]string{
	"Connection refused":        "connection_refused",
	"No route to host":          "connection_refused",
	"Invalid data found":        "codec_negotiation",
	"decode_slice_header error": "codec_negotiation",
	"Stream specifier":          "no_video",
}

func classify(lines []string) string {
	for _, line := range lines {
		for prefix, class := range fatalPrefixes {
			if strings.Contains(line, prefix) {
				return class
			}
		}
	}
	return "unknown"
}

func (s *Supervisor) monitorStderr(streamID string, stderr io.Reader, proc *process) {
	scanner := bufio.NewScanner(stderr)
	readyPublished := false

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		proc.mu.Lock()
		proc.recentLines = append(proc.recentLines, line)
		if len(proc.recentLines) > 20 {
			proc.recentLines = proc.recentLines[len(proc.recentLines)-20:]
		}
		proc.mu.Unlock()

		if !readyPublished && (strings.Contains(line, "Stream mapping") || strings.Contains(line, "Press [q]")) {
			readyPublished = true
			proc.connected = true
			s.bus.Publish(runtime.Event{Kind: "transcoder.ready", Source: "transcoder", Payload: ReadinessEvent{StreamID: streamID}})
		}

		s.log.Debug("ffmpeg stderr", "stream_id", streamID, "line", line)
	}
}

func (s *Supervisor) monitorExit(streamID string, proc *process) {
	err := proc.cmd.Wait()
	close(proc.done)

	s.mu.Lock()
	delete(s.procs, streamID)
	s.mu.Unlock()

	if err == nil {
		return
	}

	exitCode := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}

	proc.mu.Lock()
	lines := append([]string(nil), proc.recentLines...)
	proc.mu.Unlock()

	s.bus.Publish(runtime.Event{
		Kind:   "transcoder.died",
		Source: "transcoder",
		Payload: FailureEvent{
			StreamID:        streamID,
			ExitCode:        exitCode,
			LastStderrLines: lines,
			Classification:  classify(lines),
		},
	})
}

// Stop terminates a stream's transcoder: graceful signal, then SIGKILL
// after a 3s grace period if it hasn't exited (§4.5).
func (s *Supervisor) Stop(streamID string) error {
	s.mu.Lock()
	proc, exists := s.procs[streamID]
	s.mu.Unlock()
	if !exists {
		return nil // idempotent
	}

	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-proc.done:
		return nil
	case <-time.After(terminateGrace):
		proc.cancel() // exec.CommandContext cancellation delivers SIGKILL
		<-proc.done
		return nil
	}
}

// IsRunning reports whether a transcoder process is active for a stream.
func (s *Supervisor) IsRunning(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[streamID]
	return ok
}
