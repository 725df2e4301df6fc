package ffmpeg

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
)

const (
	vaapiDevice  = "/dev/dri/renderD128"
	nvidiaDevice = "/dev/nvidia0"
)

// Platform describes the host as far as encoder selection cares.
type Platform struct {
	OS        string
	HasVAAPI  bool
	HasNVIDIA bool
}

var (
	statFile = os.Stat
	lookPath = exec.LookPath
)

// ProbePlatform inspects the running host. Device checks only run on linux.
func ProbePlatform() Platform {
	p := Platform{OS: runtime.GOOS}
	if p.OS != "linux" {
		return p
	}
	if _, err := statFile(vaapiDevice); err == nil {
		p.HasVAAPI = true
	}
	if _, err := statFile(nvidiaDevice); err == nil {
		p.HasNVIDIA = true
	} else if _, err := lookPath("nvidia-smi"); err == nil {
		p.HasNVIDIA = true
	}
	return p
}

// Select picks the encoder configuration for p. It never fails; unknown
// hosts get software encoding.
func Select(p Platform) domain.EncoderConfig {
	switch p.OS {
	case "darwin":
		return ConfigFor(domain.AccelVideoToolbox)
	case "windows":
		return ConfigFor(domain.AccelNVENC)
	case "linux":
		switch {
		case p.HasVAAPI:
			return ConfigFor(domain.AccelVAAPI)
		case p.HasNVIDIA:
			return ConfigFor(domain.AccelNVENC)
		}
	}
	return ConfigFor(domain.AccelSoftware)
}

// ConfigFor returns the fixed arguments of one accel variant.
func ConfigFor(a domain.Accel) domain.EncoderConfig {
	switch a {
	case domain.AccelVideoToolbox:
		return domain.EncoderConfig{
			Accel:      a,
			InputArgs:  []string{},
			VideoCodec: "h264_videotoolbox",
			ExtraArgs:  []string{},
		}
	case domain.AccelNVENC:
		return domain.EncoderConfig{
			Accel:      a,
			InputArgs:  []string{"-hwaccel", "cuda", "-hwaccel_output_format", "cuda"},
			VideoCodec: "h264_nvenc",
			ExtraArgs:  []string{"-preset", "fast"},
		}
	case domain.AccelVAAPI:
		return domain.EncoderConfig{
			Accel:      a,
			InputArgs:  []string{"-hwaccel", "vaapi", "-hwaccel_device", vaapiDevice, "-hwaccel_output_format", "vaapi"},
			VideoCodec: "h264_vaapi",
			ExtraArgs:  []string{},
		}
	default:
		return domain.EncoderConfig{
			Accel:      domain.AccelSoftware,
			InputArgs:  []string{},
			VideoCodec: "libx264",
			ExtraArgs:  []string{"-preset", "veryfast", "-crf", "21"},
		}
	}
}

// Resolve applies a configured preference: "auto" (or empty) probes the
// host, anything else must name a variant.
func Resolve(preference string) (domain.EncoderConfig, error) {
	pref := strings.ToLower(strings.TrimSpace(preference))
	if pref == "" || pref == "auto" {
		return Select(ProbePlatform()), nil
	}
	a, ok := domain.ParseAccel(pref)
	if !ok {
		return domain.EncoderConfig{}, fmt.Errorf("unknown hwaccel %q (want auto, software, videotoolbox, nvenc or vaapi)", preference)
	}
	return ConfigFor(a), nil
}
