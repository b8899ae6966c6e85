// Package extraction implements the Extraction Worker Pool (§4.7): a
// bounded pool of goroutines draining a FIFO queue of Snapshot/Bookmark
// jobs, each spawning a short-lived ffmpeg process to pull a still frame
// or slice a clip out of the HLS archive. Grounded on the teacher's
// internal/video/ffmpeg.go (ffmpeg path detection, CombinedOutput-based
// validation) and internal/video/frame_extractor.go (short-lived
// extraction process lifecycle), generalized from a continuous frame
// stream into discrete one-shot extraction jobs per spec §4.7.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/viewguard/mediagateway/internal/apierr"
	"github.com/viewguard/mediagateway/internal/hls"
	"github.com/viewguard/mediagateway/internal/logger"
	"github.com/viewguard/mediagateway/internal/store"
)

const (
	snapshotLiveDeadline       = 5 * time.Second
	snapshotHistoricalDeadline = 10 * time.Second
	// bookmarkExtractionDeadline bounds only the ffmpeg slice once the
	// window has closed; it must never bound the wait for that window
	// (job.WindowAfter can itself exceed this).
	bookmarkExtractionDeadline = 10 * time.Second
)

// JobKind distinguishes the four extraction job shapes §4.7 names.
type JobKind string

const (
	JobSnapshotLive       JobKind = "snapshot_live"
	JobSnapshotHistorical JobKind = "snapshot_historical"
	JobBookmarkLive       JobKind = "bookmark_live"
	JobBookmarkHistorical JobKind = "bookmark_historical"
)

// Job is one unit of extraction work, enqueued by the Stream Orchestrator
// on create_snapshot/create_bookmark and processed by a pool worker.
type Job struct {
	Kind     JobKind
	StreamID string
	RTSPURL  string // needed for the LIVE snapshot's short-lived transcoder

	SnapshotID string // set for JobSnapshotLive / JobSnapshotHistorical
	BookmarkID string // set for JobBookmarkLive / JobBookmarkHistorical

	At           time.Time     // HISTORICAL snapshot wall-clock time
	CreatedAt    time.Time     // job enqueue time, used as t_now for LIVE bookmarks
	WindowBefore time.Duration // bookmark window
	WindowAfter  time.Duration
	CenterTime   time.Time // HISTORICAL bookmark center
}

// Pool is the bounded worker pool.
type Pool struct {
	store      *store.Store
	pruner     *hls.Pruner
	recordings string
	ffmpegPath string
	log        *logger.Logger

	queue   chan Job
	workers int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Pool. recordingsRoot must match the Transcoder
// Supervisor's RecordingsRoot so segment paths resolve.
func New(st *store.Store, pruner *hls.Pruner, recordingsRoot string, workers, queueCapacity int, log *logger.Logger) (*Pool, error) {
	ffmpegPath, err := detectFFmpeg()
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 4
	}
	if queueCapacity <= 0 {
		queueCapacity = 64
	}
	return &Pool{
		store:      st,
		pruner:     pruner,
		recordings: recordingsRoot,
		ffmpegPath: ffmpegPath,
		log:        log,
		queue:      make(chan Job, queueCapacity),
		workers:    workers,
		stopCh:     make(chan struct{}),
	}, nil
}

func detectFFmpeg() (string, error) {
	for _, p := range []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"} {
		if err := exec.Command(p, "-version").Run(); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("ffmpeg not found in PATH or common locations")
}

// Start spawns the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Enqueue adds a job to the queue, failing fast with Backlogged (§5
// backpressure) when the queue is full rather than blocking the caller.
func (p *Pool) Enqueue(job Job) error {
	select {
	case p.queue <- job:
		return nil
	default:
		return apierr.New(apierr.CodeBacklogged, apierr.KindTransientInfra, 503,
			"extraction queue is full, try again later")
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case job := <-p.queue:
			p.process(ctx, job)
		}
	}
}

// process dispatches a job to its handler. JobBookmarkLive is deliberately
// not wrapped in a deadline here: it must first wait out job.WindowAfter,
// which the spec allows to run arbitrarily long, before the extraction
// itself is deadlined (see processBookmarkLive).
func (p *Pool) process(ctx context.Context, job Job) {
	var err error
	switch job.Kind {
	case JobSnapshotLive:
		err = p.runDeadlined(ctx, snapshotLiveDeadline, job, p.processSnapshotLive)
	case JobSnapshotHistorical:
		err = p.runDeadlined(ctx, snapshotHistoricalDeadline, job, p.processSnapshotHistorical)
	case JobBookmarkLive:
		err = p.processBookmarkLive(ctx, job)
	case JobBookmarkHistorical:
		err = p.runDeadlined(ctx, bookmarkExtractionDeadline, job, p.processBookmarkHistorical)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	if err != nil {
		p.log.Warn("extraction job failed", "kind", string(job.Kind), "stream_id", job.StreamID, "error", err.Error())
	}
}

func (p *Pool) runDeadlined(ctx context.Context, deadline time.Duration, job Job, fn func(context.Context, Job) error) error {
	jobCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	return fn(jobCtx, job)
}

func classifyExtractionError(ctx context.Context, err error) *apierr.Error {
	if ctx.Err() == context.DeadlineExceeded {
		return apierr.New(apierr.CodeExtractionTimeout, apierr.KindDeadline, 504, "extraction exceeded its deadline")
	}
	if apiErr, ok := apierr.As(err); ok {
		return apiErr
	}
	if errors.Is(err, syscall.ENOSPC) {
		return apierr.Wrap(apierr.CodeDiskFull, apierr.KindTransientInfra, 507, "no space left to write extraction output", err)
	}
	return apierr.Wrap(apierr.CodeNoRecordingData, apierr.KindTransientInfra, 502, "extraction failed", err)
}
