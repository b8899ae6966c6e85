package extraction

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/viewguard/mediagateway/internal/apierr"
	"github.com/viewguard/mediagateway/internal/hls"
	"github.com/viewguard/mediagateway/internal/store"
)

// processSnapshotLive grabs one keyframe from a fresh short-lived ffmpeg
// reading the stream's own RTSP source; on failure it falls back to the
// most recent HLS segment's last frame, per §4.7's documented fallback.
func (p *Pool) processSnapshotLive(ctx context.Context, job Job) error {
	path, err := p.snapshotOutputPath(job.StreamID, job.SnapshotID)
	if err != nil {
		return p.failSnapshot(ctx, job, err)
	}

	err = p.runFFmpeg(ctx, []string{
		"-rtsp_transport", "tcp",
		"-i", job.RTSPURL,
		"-frames:v", "1",
		"-y", path,
	})
	if err != nil {
		fallbackErr := p.snapshotFromLatestSegment(ctx, job, path)
		if fallbackErr != nil {
			return p.failSnapshot(ctx, job, fallbackErr)
		}
	}

	return p.completeSnapshot(ctx, job, path)
}

// processSnapshotHistorical locates the segment covering wall-clock time
// At and decodes the frame at that in-segment offset.
func (p *Pool) processSnapshotHistorical(ctx context.Context, job Job) error {
	seg, offset, err := p.locateSegment(job.StreamID, job.At)
	if err != nil {
		return p.failSnapshot(ctx, job, noRecordingData(job.StreamID, err))
	}

	lock := p.pruner.SegmentLock(seg.Path)
	lock.RLock()
	defer lock.RUnlock()

	path, err := p.snapshotOutputPath(job.StreamID, job.SnapshotID)
	if err != nil {
		return p.failSnapshot(ctx, job, err)
	}

	if err := p.runFFmpeg(ctx, []string{
		"-ss", fmt.Sprintf("%.3f", offset.Seconds()),
		"-i", seg.Path,
		"-frames:v", "1",
		"-y", path,
	}); err != nil {
		return p.failSnapshot(ctx, job, err)
	}

	return p.completeSnapshot(ctx, job, path)
}

// processBookmarkLive waits for the after-window to elapse then extracts
// via the historical path, since the HLS recorder is the single source of
// truth for clip content even while the stream is live (§4.7).
func (p *Pool) processBookmarkLive(ctx context.Context, job Job) error {
	deadline := job.CreatedAt.Add(job.WindowAfter)
	if d := time.Until(deadline); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return p.failBookmark(ctx, job, ctx.Err())
		}
	}

	historical := job
	historical.Kind = JobBookmarkHistorical
	historical.CenterTime = job.CreatedAt

	extractCtx, cancel := context.WithTimeout(ctx, bookmarkExtractionDeadline)
	defer cancel()
	return p.processBookmarkHistorical(extractCtx, historical)
}

// processBookmarkHistorical slices the segments covering
// [center-before, center+after] into an MP4, remuxing without re-encoding
// when the requested window lines up exactly with segment boundaries and
// falling back to a re-encode (which lets x264 snap to the nearest
// keyframe) otherwise.
func (p *Pool) processBookmarkHistorical(ctx context.Context, job Job) error {
	start := job.CenterTime.Add(-job.WindowBefore)
	end := job.CenterTime.Add(job.WindowAfter)

	segments, err := p.segmentsCovering(job.StreamID, start, end)
	if err != nil {
		return p.failBookmark(ctx, job, noRecordingData(job.StreamID, err))
	}

	var locks []*sync.RWMutex
	for _, seg := range segments {
		l := p.pruner.SegmentLock(seg.Path)
		l.RLock()
		locks = append(locks, l)
	}
	defer func() {
		for _, l := range locks {
			l.RUnlock()
		}
	}()

	outDir := filepath.Join(p.recordings, job.StreamID, "clips")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return p.failBookmark(ctx, job, err)
	}
	videoPath := filepath.Join(outDir, job.BookmarkID+".mp4")
	thumbPath := filepath.Join(outDir, job.BookmarkID+".jpg")

	concatList := filepath.Join(outDir, job.BookmarkID+"-concat.txt")
	if err := writeConcatList(concatList, segments); err != nil {
		return p.failBookmark(ctx, job, err)
	}
	defer os.Remove(concatList)

	aligned := boundariesAlign(segments, start, end)
	args := []string{"-f", "concat", "-safe", "0", "-i", concatList}
	if aligned {
		args = append(args, "-c", "copy")
	} else {
		firstStart := segments[0].StartTime
		args = append(args,
			"-ss", fmt.Sprintf("%.3f", start.Sub(firstStart).Seconds()),
			"-to", fmt.Sprintf("%.3f", end.Sub(firstStart).Seconds()),
			"-c:v", "libx264", "-preset", "veryfast", "-c:a", "aac",
		)
	}
	args = append(args, "-y", videoPath)

	if err := p.runFFmpeg(ctx, args); err != nil {
		return p.failBookmark(ctx, job, err)
	}

	middle := job.CenterTime
	if mseg, offset, err := hls.Locate(segments, middle); err == nil {
		_ = p.runFFmpeg(ctx, []string{
			"-ss", fmt.Sprintf("%.3f", offset.Seconds()),
			"-i", mseg.Path,
			"-frames:v", "1", "-y", thumbPath,
		})
	}

	return p.completeBookmark(ctx, job, videoPath, thumbPath)
}

func writeConcatList(path string, segments []hls.Segment) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	defer f.Close()
	for _, seg := range segments {
		if _, err := fmt.Fprintf(f, "file '%s'\n", seg.Path); err != nil {
			return err
		}
	}
	return nil
}

// boundariesAlign reports whether the requested window's edges coincide
// (within one video frame) with the first and last segment's boundaries,
// making a lossless -c copy remux valid instead of a re-encode.
func boundariesAlign(segments []hls.Segment, start, end time.Time) bool {
	const epsilon = 50 * time.Millisecond
	if len(segments) == 0 {
		return false
	}
	first, last := segments[0], segments[len(segments)-1]
	startAligned := absDuration(start.Sub(first.StartTime)) <= epsilon
	endAligned := absDuration(end.Sub(last.StartTime.Add(last.Duration))) <= epsilon
	return startAligned && endAligned
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (p *Pool) locateSegment(streamID string, at time.Time) (hls.Segment, time.Duration, error) {
	playlist := filepath.Join(p.recordings, streamID, "playlist.m3u8")
	segments, err := hls.ParsePlaylist(playlist)
	if err != nil {
		return hls.Segment{}, 0, err
	}
	return hls.Locate(segments, at)
}

func (p *Pool) segmentsCovering(streamID string, start, end time.Time) ([]hls.Segment, error) {
	playlist := filepath.Join(p.recordings, streamID, "playlist.m3u8")
	all, err := hls.ParsePlaylist(playlist)
	if err != nil {
		return nil, err
	}
	var out []hls.Segment
	for _, seg := range all {
		segEnd := seg.StartTime.Add(seg.Duration)
		if segEnd.After(start) && seg.StartTime.Before(end) {
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no segments cover [%s, %s]", start, end)
	}
	return out, nil
}

func (p *Pool) snapshotFromLatestSegment(ctx context.Context, job Job, outPath string) error {
	playlist := filepath.Join(p.recordings, job.StreamID, "playlist.m3u8")
	segments, err := hls.ParsePlaylist(playlist)
	if err != nil || len(segments) == 0 {
		return fmt.Errorf("no hls segments available as a live-snapshot fallback: %w", err)
	}
	latest := segments[len(segments)-1]
	lock := p.pruner.SegmentLock(latest.Path)
	lock.RLock()
	defer lock.RUnlock()

	return p.runFFmpeg(ctx, []string{
		"-sseof", "-1",
		"-i", latest.Path,
		"-frames:v", "1",
		"-y", outPath,
	})
}

func (p *Pool) snapshotOutputPath(streamID, snapshotID string) (string, error) {
	dir := filepath.Join(p.recordings, streamID, "snapshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return filepath.Join(dir, snapshotID+".jpg"), nil
}

func (p *Pool) runFFmpeg(ctx context.Context, args []string) error {
	fullArgs := append([]string{"-loglevel", "error"}, args...)
	cmd := exec.CommandContext(ctx, p.ffmpegPath, fullArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, string(out))
	}
	return nil
}

func (p *Pool) completeSnapshot(ctx context.Context, job Job, path string) error {
	if p.isTombstonedSnapshot(ctx, job.SnapshotID) {
		os.Remove(path)
		return p.store.DeleteSnapshot(ctx, job.SnapshotID)
	}
	return p.store.CompleteSnapshot(ctx, job.SnapshotID, store.StatusReady, &path, nil)
}

func (p *Pool) failSnapshot(ctx context.Context, job Job, cause error) error {
	apiErr := classifyExtractionError(ctx, cause)
	msg := apiErr.Error()
	if p.isTombstonedSnapshot(ctx, job.SnapshotID) {
		return p.store.DeleteSnapshot(ctx, job.SnapshotID)
	}
	return p.store.CompleteSnapshot(ctx, job.SnapshotID, store.StatusFailed, nil, &msg)
}

func (p *Pool) completeBookmark(ctx context.Context, job Job, videoPath, thumbPath string) error {
	if p.isTombstonedBookmark(ctx, job.BookmarkID) {
		os.Remove(videoPath)
		os.Remove(thumbPath)
		return p.store.DeleteBookmark(ctx, job.BookmarkID)
	}
	return p.store.CompleteBookmark(ctx, job.BookmarkID, store.StatusReady, &videoPath, &thumbPath, nil)
}

func (p *Pool) failBookmark(ctx context.Context, job Job, cause error) error {
	apiErr := classifyExtractionError(ctx, cause)
	msg := apiErr.Error()
	if p.isTombstonedBookmark(ctx, job.BookmarkID) {
		return p.store.DeleteBookmark(ctx, job.BookmarkID)
	}
	return p.store.CompleteBookmark(ctx, job.BookmarkID, store.StatusFailed, nil, nil, &msg)
}

func (p *Pool) isTombstonedSnapshot(ctx context.Context, id string) bool {
	snap, err := p.store.GetSnapshot(ctx, id)
	return err == nil && snap.Tombstoned
}

func (p *Pool) isTombstonedBookmark(ctx context.Context, id string) bool {
	b, err := p.store.GetBookmark(ctx, id)
	return err == nil && b.Tombstoned
}

func noRecordingData(streamID string, cause error) error {
	return apierr.Wrap(apierr.CodeNoRecordingData, apierr.KindValidation, http.StatusUnprocessableEntity,
		"requested range has no recorded data", cause).WithDetails(map[string]interface{}{
		"stream_id": streamID,
	})
}
