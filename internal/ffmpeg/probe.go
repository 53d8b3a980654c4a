package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astits"
)

// StreamInfo describes one elementary stream found in a transport mux.
type StreamInfo struct {
	PID   uint16 `json:"pid"`
	Type  string `json:"type"`
	Video bool   `json:"video"`
	Audio bool   `json:"audio"`
}

// ProbeTS scans the first buffered output of a child for a program map
// and reports the elementary streams it advertises. Used to annotate
// live stream records; callers treat errors as "not yet determinable".
func ProbeTS(buf []byte) ([]StreamInfo, error) {
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(buf))
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("no program map in %d bytes", len(buf))
			}
			return nil, fmt.Errorf("demuxing transport stream: %w", err)
		}
		if d.PMT == nil {
			continue
		}
		streams := make([]StreamInfo, 0, len(d.PMT.ElementaryStreams))
		for _, es := range d.PMT.ElementaryStreams {
			streams = append(streams, StreamInfo{
				PID:   es.ElementaryPID,
				Type:  es.StreamType.String(),
				Video: es.StreamType.IsVideo(),
				Audio: es.StreamType.IsAudio(),
			})
		}
		return streams, nil
	}
}
