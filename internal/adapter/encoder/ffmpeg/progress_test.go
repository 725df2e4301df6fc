package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressParser(t *testing.T) {
	t.Run("duration then time lines", func(t *testing.T) {
		var p progressParser

		_, ok := p.Feed("  Duration: 00:01:40.00, start: 0.000000, bitrate: 5120 kb/s")
		assert.False(t, ok)
		assert.Equal(t, 100.0, p.Duration())

		pct, ok := p.Feed("out_time=00:00:25.000000")
		assert.True(t, ok)
		assert.InDelta(t, 25.0, pct, 0.001)

		pct, ok = p.Feed("frame= 1500 fps= 60 q=28.0 size=   10240kB time=00:00:50.00 bitrate=1677.7kbits/s speed=2.4x")
		assert.True(t, ok)
		assert.InDelta(t, 50.0, pct, 0.001)
	})

	t.Run("duration is parsed once", func(t *testing.T) {
		var p progressParser
		p.Feed("Duration: 00:00:10.00, start: 0.0")
		p.Feed("Duration: 01:00:00.00, start: 0.0")
		assert.Equal(t, 10.0, p.Duration())
	})

	t.Run("no duration reports nothing", func(t *testing.T) {
		var p progressParser
		_, ok := p.Feed("out_time=00:00:05.000000")
		assert.False(t, ok)
		_, ok = p.Feed("Duration: N/A, start: 0.0")
		assert.False(t, ok)
		assert.Equal(t, 0.0, p.Duration())
	})

	t.Run("clamps past the end", func(t *testing.T) {
		var p progressParser
		p.Feed("Duration: 00:00:10.00")
		pct, ok := p.Feed("out_time=00:00:12.500000")
		assert.True(t, ok)
		assert.Equal(t, 100.0, pct)
	})

	t.Run("never goes backwards", func(t *testing.T) {
		var p progressParser
		p.Feed("Duration: 00:00:10.00")
		_, ok := p.Feed("out_time=00:00:05.000000")
		assert.True(t, ok)
		_, ok = p.Feed("time=00:00:05.00")
		assert.False(t, ok, "duplicate value")
		_, ok = p.Feed("out_time=00:00:04.000000")
		assert.False(t, ok)
	})

	t.Run("ignores garbage", func(t *testing.T) {
		var p progressParser
		p.Feed("Duration: 00:00:10.00")
		for _, line := range []string{
			"",
			"progress=continue",
			"out_time=N/A",
			"out_time_ms=5000000",
			"time=bogus",
			"[h264 @ 0x55] non-existing PPS 0 referenced",
			"out_time=-00:00:00.023220",
		} {
			_, ok := p.Feed(line)
			assert.False(t, ok, line)
		}
	})
}

func TestScanLinesCR(t *testing.T) {
	adv, tok, err := scanLinesCR([]byte("frame=1\rframe=2\n"), false)
	assert.NoError(t, err)
	assert.Equal(t, 8, adv)
	assert.Equal(t, "frame=1", string(tok))

	adv, tok, _ = scanLinesCR([]byte("partial"), false)
	assert.Equal(t, 0, adv)
	assert.Nil(t, tok)

	adv, tok, _ = scanLinesCR([]byte("last"), true)
	assert.Equal(t, 4, adv)
	assert.Equal(t, "last", string(tok))
}

func TestTailBuffer(t *testing.T) {
	var tb tailBuffer
	tb.WriteLine("first")
	tb.WriteLine("   ")
	tb.WriteLine("second")
	assert.Equal(t, "first\nsecond\n", tb.String())

	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'x'
	}
	for range 100 {
		tb.WriteLine(string(big))
	}
	tb.WriteLine("final")
	assert.LessOrEqual(t, len(tb.String()), stderrTailBytes)
	assert.Contains(t, tb.String(), "final")
}
