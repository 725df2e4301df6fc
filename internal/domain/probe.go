package domain

import (
	"fmt"
	"strconv"
)

type ProbeFormat struct {
	FormatName string            `json:"format_name"`
	Duration   string            `json:"duration"`
	Size       string            `json:"size"`
	BitRate    string            `json:"bit_rate"`
	Tags       map[string]string `json:"tags"`
}

type ProbeStream struct {
	Index     int               `json:"index"`
	CodecType string            `json:"codec_type"`
	CodecName string            `json:"codec_name"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Channels  int               `json:"channels"`
	Tags      map[string]string `json:"tags"`
}

type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// Track is a selectable audio or subtitle stream. Index is the ordinal
// within its stream type, as used by "-map 0:a:N" / "-map 0:s:N".
type Track struct {
	Index    int    `json:"index"`
	Codec    string `json:"codec"`
	Channels int    `json:"channels,omitempty"`
	Lang     string `json:"lang,omitempty"`
	Title    string `json:"title,omitempty"`
}

type Tracks struct {
	Audio     []Track `json:"audio"`
	Subtitles []Track `json:"subtitles"`
}

func (p *ProbeResult) Tracks() Tracks {
	out := Tracks{Audio: []Track{}, Subtitles: []Track{}}
	for _, s := range p.Streams {
		t := Track{
			Codec:    s.CodecName,
			Channels: s.Channels,
			Lang:     s.Tags["language"],
			Title:    s.Tags["title"],
		}
		switch s.CodecType {
		case "audio":
			t.Index = len(out.Audio)
			out.Audio = append(out.Audio, t)
		case "subtitle":
			t.Channels = 0
			t.Index = len(out.Subtitles)
			out.Subtitles = append(out.Subtitles, t)
		}
	}
	return out
}

func (p *ProbeResult) VideoStream() *ProbeStream {
	for i := range p.Streams {
		if p.Streams[i].CodecType == "video" {
			return &p.Streams[i]
		}
	}
	return nil
}

// Duration returns the container duration in seconds, 0 when unknown.
func (p *ProbeResult) Duration() float64 {
	return ParseDuration(p.Format.Duration)
}

// ValidateSelection checks that the requested stream ordinals exist.
func (t Tracks) ValidateSelection(opts TranscodeOptions) error {
	for _, idx := range opts.AudioStreams {
		if idx >= len(t.Audio) {
			return fmt.Errorf("%w: audio stream %d not present (%d available)", ErrInvalidSpec, idx, len(t.Audio))
		}
	}
	for _, idx := range opts.SubtitleStreams {
		if idx >= len(t.Subtitles) {
			return fmt.Errorf("%w: subtitle stream %d not present (%d available)", ErrInvalidSpec, idx, len(t.Subtitles))
		}
	}
	return nil
}

func FormatDuration(seconds float64) string {
	if seconds <= 0 {
		return "00:00"
	}
	hours := int(seconds) / 3600
	minutes := (int(seconds) % 3600) / 60
	secs := int(seconds) % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%d:%02d", minutes, secs)
}

func ParseDuration(durationStr string) float64 {
	if durationStr == "" || durationStr == "N/A" {
		return 0
	}
	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0
	}
	return duration
}
