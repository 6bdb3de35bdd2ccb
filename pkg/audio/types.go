package audio

import (
	"fmt"
	"time"
)

// BytesPerSample is the width of one signed 16-bit little-endian PCM sample.
const BytesPerSample = 2

// AudioFrame is one capture period of interleaved 16-bit little-endian PCM.
//
// Frames leaving the capture loop are always stereo. A frame is shared
// read-only by every concurrent send of a dispatch cycle and must never be
// mutated after creation.
type AudioFrame struct {
	// Data holds the interleaved PCM samples.
	Data []byte

	// SampleRate in Hz, as negotiated with the capture device.
	SampleRate int

	// Channels is the number of interleaved channels in Data.
	Channels int

	// Seq is the capture sequence number, starting at 1 for the first frame
	// of a session and increasing by one per captured period.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to session start.
	Timestamp time.Duration
}

// Samples returns the total number of samples across all channels.
func (f AudioFrame) Samples() int {
	return len(f.Data) / BytesPerSample
}

// Duration returns the amount of audio time the frame covers.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := f.Samples() / f.Channels
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
