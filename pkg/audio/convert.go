package audio

import (
	"errors"
	"fmt"
)

// ErrUnsupportedChannelLayout is returned when a device reports a channel
// count that cannot be normalized to interleaved stereo.
var ErrUnsupportedChannelLayout = errors.New("audio: unsupported channel layout")

// CheckChannels reports whether a stream with the given channel count can be
// normalized by [ToStereo].
func CheckChannels(channels int) error {
	if channels == 1 || channels == 2 {
		return nil
	}
	return fmt.Errorf("%w: %d channels (only mono and stereo are supported)", ErrUnsupportedChannelLayout, channels)
}

// ToStereo normalizes interleaved int16 PCM with the given channel count to
// interleaved stereo. Stereo input is returned unchanged (zero allocation);
// mono input is expanded with [MonoToStereo].
func ToStereo(pcm []byte, channels int) ([]byte, error) {
	if err := CheckChannels(channels); err != nil {
		return nil, err
	}
	if len(pcm)%(BytesPerSample*channels) != 0 {
		return nil, fmt.Errorf("audio: %d bytes is not a whole number of %d-channel frames", len(pcm), channels)
	}
	if channels == 2 {
		return pcm, nil
	}
	return MonoToStereo(pcm), nil
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}
