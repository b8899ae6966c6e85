package extraction

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

type testSegmentSpec struct {
	epoch    int64
	duration int
}

// writeTestPlaylist writes both a playlist.m3u8 and placeholder segment
// files under dir, matching the Transcoder Supervisor's on-disk layout.
func writeTestPlaylist(t *testing.T, dir string, specs []testSegmentSpec) error {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	content := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n"
	for _, s := range specs {
		name := "segment-" + strconv.FormatInt(s.epoch, 10) + ".ts"
		content += fmt.Sprintf("#EXTINF:%d.0,\n%s\n", s.duration, name)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("fake"), 0o644))
	}
	return os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte(content), 0o644)
}
