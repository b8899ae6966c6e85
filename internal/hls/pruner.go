// Pruner implements §4.8's retention background task: age-based deletion
// of HLS segments, supplemented with the original gateway's disk-usage
// emergency cleanup tiers (rtsp_pipeline.py's _check_disk_space /
// _emergency_cleanup: 85% warn, 90% aggressive-to-85%, 95% critical-to-80%)
// since a pure 7-day age cutoff can still let the recordings volume fill
// up between runs. Disk usage itself is read via syscall.Statfs, the same
// approach as the teacher's internal/storage/disk_monitor.go.
package hls

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/viewguard/mediagateway/internal/logger"
)

// DefaultRetention is §4.8's "default 7 days".
const DefaultRetention = 7 * 24 * time.Hour

const (
	warnUsagePercent      = 85.0
	aggressiveUsagePercent = 90.0
	criticalUsagePercent   = 95.0
	aggressiveTargetPercent = 85.0
	criticalTargetPercent   = 80.0
)

// Pruner walks a recordings root, removing segments older than retention
// and, under disk pressure, removing additional segments oldest-first
// until usage drops back under the tier's target.
type Pruner struct {
	root      string
	retention time.Duration
	log       *logger.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex
}

func New(root string, retention time.Duration, log *logger.Logger) *Pruner {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Pruner{root: root, retention: retention, log: log, locks: make(map[string]*sync.RWMutex)}
}

// SegmentLock returns (creating if needed) the per-segment lock an
// extraction worker must hold (RLock) while reading a segment, so the
// pruner cannot delete it out from under an in-flight job.
func (p *Pruner) SegmentLock(path string) *sync.RWMutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	if l, ok := p.locks[path]; ok {
		return l
	}
	l := &sync.RWMutex{}
	p.locks[path] = l
	return l
}

type segmentFile struct {
	path      string
	startTime time.Time
	size      int64
}

// Run executes one prune pass: age-based deletion followed by disk-usage
// tiered emergency cleanup.
func (p *Pruner) Run(ctx context.Context) error {
	segments, err := p.walk()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-p.retention)
	var kept []segmentFile
	freedBytes := int64(0)
	expiredCount := 0
	for _, s := range segments {
		if s.startTime.Before(cutoff) {
			if p.delete(s) {
				expiredCount++
				freedBytes += s.size
				continue
			}
		}
		kept = append(kept, s)
	}
	if expiredCount > 0 {
		p.log.Info("pruned expired hls segments", "count", expiredCount, "freed_bytes", freedBytes)
	}

	usage, err := p.diskUsagePercent()
	if err != nil {
		p.log.Warn("failed to read disk usage for emergency cleanup check", "error", err.Error())
		return nil
	}

	switch {
	case usage >= criticalUsagePercent:
		p.log.Warn("disk usage critical, running emergency cleanup", "usage_percent", usage)
		p.emergencyCleanup(kept, criticalTargetPercent)
	case usage >= aggressiveUsagePercent:
		p.log.Warn("disk usage high, running aggressive cleanup", "usage_percent", usage)
		p.emergencyCleanup(kept, aggressiveTargetPercent)
	case usage >= warnUsagePercent:
		p.log.Warn("disk usage elevated, consider shortening retention", "usage_percent", usage)
	}

	return nil
}

// emergencyCleanup deletes the oldest surviving segments until usage is
// back under targetPercent or nothing is left to delete.
func (p *Pruner) emergencyCleanup(segments []segmentFile, targetPercent float64) {
	sort.Slice(segments, func(i, j int) bool { return segments[i].startTime.Before(segments[j].startTime) })

	deleted := 0
	for _, s := range segments {
		usage, err := p.diskUsagePercent()
		if err != nil || usage < targetPercent {
			break
		}
		if p.delete(s) {
			deleted++
		}
	}
	if deleted > 0 {
		p.log.Warn("emergency cleanup deleted segments", "count", deleted, "target_percent", targetPercent)
	}
}

// delete removes a segment file, holding its write lock so no extraction
// worker is mid-read; in-use segments (held under a read lock) are
// skipped and pruned on the pruner's next pass once released.
func (p *Pruner) delete(s segmentFile) bool {
	lock := p.SegmentLock(s.path)
	if !lock.TryLock() {
		return false
	}
	defer lock.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		p.log.Warn("failed to delete hls segment", "path", s.path, "error", err.Error())
		return false
	}

	p.locksMu.Lock()
	delete(p.locks, s.path)
	p.locksMu.Unlock()
	return true
}

func (p *Pruner) walk() ([]segmentFile, error) {
	var out []segmentFile
	err := filepath.Walk(p.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		start, parseErr := startTimeFromFilename(filepath.Base(path))
		if parseErr != nil {
			return nil // not a segment file (e.g. playlist.m3u8), skip
		}
		out = append(out, segmentFile{path: path, startTime: start, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk recordings root: %w", err)
	}
	return out, nil
}

func (p *Pruner) diskUsagePercent() (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(p.root, &stat); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	total := float64(stat.Blocks) * float64(stat.Bsize)
	available := float64(stat.Bavail) * float64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}
	used := total - available
	return used / total * 100.0, nil
}

// RunLoop runs Run on a fixed interval until ctx is cancelled.
func (p *Pruner) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Run(ctx); err != nil {
				p.log.Error("prune pass failed", "error", err.Error())
			}
		}
	}
}
