package ffmpeg

import (
	"math"
	"regexp"
	"strconv"
)

var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	// Matches both the "-progress" key/value form (out_time=) and the
	// stats line form (time=).
	timeRe = regexp.MustCompile(`(?:^|\s)(?:out_)?time=\s*(-?)(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// progressParser turns ffmpeg stderr lines into completion percentages.
// It is not safe for concurrent use.
type progressParser struct {
	duration float64
	last     float64
}

func (p *progressParser) Duration() float64 {
	return p.duration
}

// Feed parses one line. It reports a percentage only when the value moved
// forward and a duration is known.
func (p *progressParser) Feed(line string) (float64, bool) {
	if p.duration == 0 {
		if m := durationRe.FindStringSubmatch(line); m != nil {
			p.duration = clock(m[1], m[2], m[3])
			return 0, false
		}
	}

	m := timeRe.FindStringSubmatch(line)
	if m == nil || p.duration <= 0 {
		return 0, false
	}

	elapsed := clock(m[2], m[3], m[4])
	if m[1] == "-" {
		elapsed = 0
	}
	percent := math.Max(0, math.Min(100, elapsed/p.duration*100))
	if percent <= p.last {
		return 0, false
	}
	p.last = percent
	return percent, true
}

func clock(h, m, s string) float64 {
	hours, _ := strconv.Atoi(h)
	minutes, _ := strconv.Atoi(m)
	seconds, _ := strconv.ParseFloat(s, 64)
	return float64(hours)*3600 + float64(minutes)*60 + seconds
}
