// Package validation checks that submitted inputs look like media files
// before any work is queued for them.
package validation

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
)

var (
	ErrNotMedia = errors.New("file is not a supported video container")
	ErrNotFile  = errors.New("path is not a regular file")
)

// allowedMIMETypes is the allowlist of containers ffmpeg is asked to read.
var allowedMIMETypes = map[string]bool{
	"video/mp4":        true,
	"video/quicktime":  true,
	"video/webm":       true,
	"video/x-matroska": true,
	"video/x-msvideo":  true,
	"video/mp2t":       true,
	"video/mpeg":       true,
	"video/avi":        true,
}

const magicBytesBufferSize = 512

// CheckMediaFile sniffs the first bytes of path and returns the detected
// MIME type. It fails with ErrNotMedia for anything outside the allowlist.
func CheckMediaFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", path, ErrNotFile)
	}

	mime, allowed, err := DetectMIME(f)
	if err != nil {
		return "", err
	}
	if !allowed {
		return mime, fmt.Errorf("%w (detected %s)", ErrNotMedia, mime)
	}
	return mime, nil
}

// DetectMIME reads up to 512 bytes from r and reports the content type and
// whether it is an accepted container.
func DetectMIME(r io.Reader) (mime string, allowed bool, err error) {
	buf := make([]byte, magicBytesBufferSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", false, err
	}
	if n == 0 {
		return "application/octet-stream", false, nil
	}
	buf = buf[:n]

	mime = detectContainer(buf)
	if mime == "" {
		mime = http.DetectContentType(buf)
	}
	return mime, allowedMIMETypes[mime], nil
}

// detectContainer handles the containers http.DetectContentType does not
// know about.
func detectContainer(buf []byte) string {
	if len(buf) < 4 {
		return ""
	}

	// EBML header, shared by Matroska and WebM; the doctype follows.
	if buf[0] == 0x1A && buf[1] == 0x45 && buf[2] == 0xDF && buf[3] == 0xA3 {
		if containsASCII(buf, "webm") {
			return "video/webm"
		}
		return "video/x-matroska"
	}

	// MPEG transport stream: sync byte every 188 bytes.
	if buf[0] == 0x47 && len(buf) > 188 && buf[188] == 0x47 {
		return "video/mp2t"
	}

	if len(buf) >= 12 {
		if string(buf[0:4]) == "RIFF" && string(buf[8:12]) == "AVI " {
			return "video/x-msvideo"
		}
		if string(buf[4:8]) == "ftyp" {
			if string(buf[8:12]) == "qt  " {
				return "video/quicktime"
			}
			return "video/mp4"
		}
	}
	return ""
}

func containsASCII(buf []byte, s string) bool {
	for i := 0; i+len(s) <= len(buf); i++ {
		if string(buf[i:i+len(s)]) == s {
			return true
		}
	}
	return false
}
