package hls

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewguard/mediagateway/internal/logger"
)

func writeSegment(t *testing.T, dir string, epoch int64) string {
	t.Helper()
	path := filepath.Join(dir, "segment-"+strconv.FormatInt(epoch, 10)+".ts")
	require.NoError(t, os.WriteFile(path, []byte("fake segment data"), 0o644))
	return path
}

func TestRunDeletesExpiredSegments(t *testing.T) {
	dir := t.TempDir()
	old := writeSegment(t, dir, time.Now().Add(-10*24*time.Hour).Unix())
	recent := writeSegment(t, dir, time.Now().Unix())

	p := New(dir, 7*24*time.Hour, logger.NewNopLogger())
	require.NoError(t, p.Run(context.Background()))

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "expired segment should have been deleted")

	_, err = os.Stat(recent)
	assert.NoError(t, err, "recent segment should survive")
}

func TestDeleteSkipsSegmentHeldUnderReadLock(t *testing.T) {
	dir := t.TempDir()
	path := writeSegment(t, dir, time.Now().Add(-10*24*time.Hour).Unix())

	p := New(dir, 7*24*time.Hour, logger.NewNopLogger())
	lock := p.SegmentLock(path)
	lock.RLock()
	defer lock.RUnlock()

	require.NoError(t, p.Run(context.Background()))

	_, err := os.Stat(path)
	assert.NoError(t, err, "segment held under a reader lock must not be deleted")
}

func TestSegmentLockIsStableAcrossCalls(t *testing.T) {
	p := New(t.TempDir(), time.Hour, logger.NewNopLogger())
	l1 := p.SegmentLock("/tmp/a")
	l2 := p.SegmentLock("/tmp/a")
	assert.Same(t, l1, l2)
}
