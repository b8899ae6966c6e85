package hls

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlaylist(t *testing.T, dir string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, "playlist.m3u8")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParsePlaylistPairsDurationsWithEpochFilenames(t *testing.T) {
	dir := t.TempDir()
	base := int64(1_700_000_000)
	playlist := writePlaylist(t, dir, []string{
		"#EXTM3U",
		"#EXT-X-TARGETDURATION:6",
		"#EXTINF:6.0,",
		"segment-1700000000.ts",
		"#EXTINF:6.0,",
		"segment-1700000006.ts",
	})

	segments, err := ParsePlaylist(playlist)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, time.Unix(base, 0), segments[0].StartTime)
	assert.Equal(t, 6*time.Second, segments[0].Duration)
	assert.Equal(t, time.Unix(base+6, 0), segments[1].StartTime)
}

func TestLocateFindsCoveringSegment(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	segments := []Segment{
		{Path: "a", StartTime: base, Duration: 6 * time.Second},
		{Path: "b", StartTime: base.Add(6 * time.Second), Duration: 6 * time.Second},
	}

	seg, offset, err := Locate(segments, base.Add(8*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "b", seg.Path)
	assert.Equal(t, 2*time.Second, offset)
}

func TestLocateReturnsGapForHole(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	segments := []Segment{
		{Path: "a", StartTime: base, Duration: 6 * time.Second},
		{Path: "b", StartTime: base.Add(30 * time.Second), Duration: 6 * time.Second}, // restart gap
	}

	_, _, err := Locate(segments, base.Add(15*time.Second))
	assert.ErrorIs(t, err, ErrGap)
}

func TestStartTimeFromFilenameRejectsNonSegmentNames(t *testing.T) {
	_, err := startTimeFromFilename("playlist.m3u8")
	assert.Error(t, err)
}
