package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurePath(t *testing.T) {
	root := filepath.FromSlash("/media/ch1_default_hls")
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain file", "index.m3u8", filepath.Join(root, "index.m3u8"), true},
		{"nested", "sub/seg0.ts", filepath.Join(root, "sub", "seg0.ts"), true},
		{"dot segments collapse", "sub/../seg0.ts", filepath.Join(root, "seg0.ts"), true},
		{"empty", "", "", false},
		{"absolute", "/etc/passwd", "", false},
		{"parent escape", "../other/seg.ts", "", false},
		{"bare parent", "..", "", false},
		{"deep escape", "a/../../secret", "", false},
		{"nul byte", "seg\x00.ts", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := securePath(root, tc.in)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestPlayableMissingFile(t *testing.T) {
	_, err := playable(filepath.Join(t.TempDir(), "index.m3u8"))
	assert.Error(t, err)
}

func TestPlayableEmptyManifest(t *testing.T) {
	p := filepath.Join(t.TempDir(), "index.m3u8")
	require.NoError(t, os.WriteFile(p, nil, 0o644))
	ok, err := playable(p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPlayableMediaPlaylistNeedsSegments(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "index.m3u8")

	empty := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n"
	require.NoError(t, os.WriteFile(p, []byte(empty), 0o644))
	ok, err := playable(p)
	require.NoError(t, err)
	assert.False(t, ok)

	withSeg := empty + "#EXTINF:4,\nseg0.ts\n"
	require.NoError(t, os.WriteFile(p, []byte(withSeg), 0o644))
	ok, err = playable(p)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPlayableDASHManifest(t *testing.T) {
	p := filepath.Join(t.TempDir(), "manifest.mpd")
	require.NoError(t, os.WriteFile(p, []byte("<MPD></MPD>"), 0o644))
	ok, err := playable(p)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSegmentStats(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "index.m3u8")

	doc := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n" +
		"#EXTINF:4,\nseg0.ts\n#EXTINF:4,\nseg1.ts\n"
	require.NoError(t, os.WriteFile(p, []byte(doc), 0o644))

	stats := SegmentStats(p)
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Segments)
	assert.Equal(t, 4, stats.TargetDuration)

	assert.Nil(t, SegmentStats(filepath.Join(dir, "missing.m3u8")))
	assert.Nil(t, SegmentStats(filepath.Join(dir, "manifest.mpd")))

	require.NoError(t, os.WriteFile(p, []byte("#EXTM3U\n#EXT-X-TARG"), 0o644))
	assert.Nil(t, SegmentStats(p))
}
