// Package transcoder runs and fans out child transcode processes. One
// Record owns one child per stream key; byte-stream shapes fan stdout
// out to subscribers through a bounded replay ring, segmented shapes
// write into a per-key directory served by the manifest layer.
package transcoder

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Key identifies one stream: a channel, its variant, the output shape,
// and an optional overlap token. A non-empty overlap token makes the
// key private, so a fresh child is launched even while the shared
// record for the same channel is live.
type Key struct {
	Channel int
	Variant string
	Shape   string
	Overlap string
}

// Private reports whether this key bypasses record sharing.
func (k Key) Private() bool { return k.Overlap != "" }

func (k Key) String() string {
	s := fmt.Sprintf("%d:%s:%s", k.Channel, k.Variant, k.Shape)
	if k.Overlap != "" {
		s += ":" + k.Overlap
	}
	return s
}

// DirName returns the per-key directory name for segmented output,
// safe for use under the media root.
func (k Key) DirName() string {
	name := fmt.Sprintf("ch%d_%s_%s", k.Channel, sanitize(k.Variant), sanitize(k.Shape))
	if k.Overlap != "" {
		name += "_" + sanitize(k.Overlap)
	}
	return name
}

// NewOverlapToken mints the token that makes a key private.
func NewOverlapToken() string {
	return uuid.NewString()[:8]
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
