package upstream

import (
	"bytes"
	"context"

	"github.com/asticode/go-astits"
)

const (
	tsSyncByte      = 0x47
	tsProbeFirst    = 4 << 10
	tsProbeMaxBytes = 1 << 20
)

// StreamInfo describes the elementary streams found in an MPEG-TS source.
type StreamInfo struct {
	ProgramNumber uint16   `json:"program_number"`
	VideoCodec    string   `json:"video_codec,omitempty"`
	AudioCodecs   []string `json:"audio_codecs,omitempty"`
	PIDs          int      `json:"pids"`
}

// TSProbe collects the head of a stream and reads its first program map.
// Parsing is attempted at doubling sizes so a source that never carries a
// PMT costs a bounded amount of work.
type TSProbe struct {
	buf  []byte
	next int
	done bool
	info *StreamInfo
}

// NewTSProbe creates a probe.
func NewTSProbe() *TSProbe {
	return &TSProbe{next: tsProbeFirst}
}

// Feed appends chunk and reports whether probing has finished. Non-TS
// data finishes immediately with no result.
func (p *TSProbe) Feed(chunk []byte) bool {
	if p.done || len(chunk) == 0 {
		return p.done
	}
	if len(p.buf) == 0 && chunk[0] != tsSyncByte {
		p.done = true
		return true
	}

	room := tsProbeMaxBytes - len(p.buf)
	p.buf = append(p.buf, chunk[:min(room, len(chunk))]...)

	if len(p.buf) < p.next && len(p.buf) < tsProbeMaxBytes {
		return false
	}
	if info := ParseStreamInfo(p.buf); info != nil {
		p.info = info
		p.finish()
		return true
	}
	if len(p.buf) >= tsProbeMaxBytes {
		p.finish()
		return true
	}
	p.next *= 2
	return false
}

// Info returns the parsed stream description, or nil.
func (p *TSProbe) Info() *StreamInfo {
	return p.info
}

func (p *TSProbe) finish() {
	p.done = true
	p.buf = nil
}

// ParseStreamInfo demuxes data until the first PMT. It returns nil when
// none is found.
func ParseStreamInfo(data []byte) *StreamInfo {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dmx := astits.NewDemuxer(ctx, bytes.NewReader(data))
	for {
		d, err := dmx.NextData()
		if err != nil {
			// astits.ErrNoMorePackets or a damaged packet; either way the
			// head carried no usable PMT.
			return nil
		}
		if d == nil || d.PMT == nil {
			continue
		}

		info := &StreamInfo{ProgramNumber: d.PMT.ProgramNumber, PIDs: len(d.PMT.ElementaryStreams)}
		for _, es := range d.PMT.ElementaryStreams {
			codec, video := codecName(es.StreamType)
			switch {
			case codec == "":
			case video && info.VideoCodec == "":
				info.VideoCodec = codec
			case !video:
				info.AudioCodecs = append(info.AudioCodecs, codec)
			}
		}
		return info
	}
}

func codecName(t astits.StreamType) (name string, video bool) {
	switch t {
	case 0x01:
		return "mpeg1video", true
	case 0x02:
		return "mpeg2video", true
	case 0x10:
		return "mpeg4", true
	case 0x1b:
		return "h264", true
	case 0x24:
		return "hevc", true
	case 0x03, 0x04:
		return "mp2", false
	case 0x0f, 0x11:
		return "aac", false
	case 0x81:
		return "ac3", false
	case 0x87:
		return "eac3", false
	case 0x82:
		return "dts", false
	}
	return "", false
}
