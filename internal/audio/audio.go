package audio

import (
	"bytes"
	"errors"
	"fmt"

	"pbx-bridge-go/internal/logger"
)

// ErrValidation marks size failures that retrying cannot fix.
var ErrValidation = errors.New("audio validation failed")

// Format is the detected container tag, matching the extension used when the
// buffer is submitted for transcription.
type Format string

const (
	FormatNone Format = ""
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatOGG  Format = "ogg"
	FormatFLAC Format = "flac"
	FormatM4A  Format = "m4a"
	FormatWebM Format = "webm"
)

// DetectFormat sniffs magic bytes at known offsets. Pure: identical buffers
// always yield the identical result, and anything under 12 bytes is None.
func DetectFormat(buf []byte) Format {
	if len(buf) < 12 {
		return FormatNone
	}
	switch {
	case bytes.Equal(buf[0:4], []byte("RIFF")) && bytes.Equal(buf[8:12], []byte("WAVE")):
		return FormatWAV
	case bytes.Equal(buf[0:3], []byte("ID3")):
		return FormatMP3
	case buf[0] == 0xFF && buf[1]&0xE0 == 0xE0:
		// MPEG frame sync: 11 set bits
		return FormatMP3
	case bytes.Equal(buf[0:4], []byte("OggS")):
		return FormatOGG
	case bytes.Equal(buf[0:4], []byte("fLaC")):
		return FormatFLAC
	case bytes.Equal(buf[4:8], []byte("ftyp")):
		return FormatM4A
	case bytes.Equal(buf[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM
	}
	return FormatNone
}

// Validate enforces the size window accepted by the transcription service.
// Undersized buffers are usually an error body that slipped through as a 200;
// oversized ones would be rejected downstream anyway. Returns the detected
// format, defaulting to WAV when sniffing found nothing (a warning, not a
// failure — transcription is still attempted).
func Validate(buf []byte, minBytes, maxBytes int) (Format, error) {
	if len(buf) < minBytes {
		return FormatNone, fmt.Errorf("%w: %d bytes is below the %d byte minimum", ErrValidation, len(buf), minBytes)
	}
	if len(buf) > maxBytes {
		return FormatNone, fmt.Errorf("%w: %d bytes exceeds the %d byte maximum", ErrValidation, len(buf), maxBytes)
	}
	f := DetectFormat(buf)
	if f == FormatNone {
		logger.NewComponent("audio").WithField("size", len(buf)).
			Warn("unrecognized audio container, defaulting to wav")
		f = FormatWAV
	}
	return f, nil
}
