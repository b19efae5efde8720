package audio

import (
	"encoding/binary"
	"errors"
)

// Sample rates on the two legs of the relay. The telephony gateway speaks
// narrowband PCM, the voice agent wideband.
const (
	TelephonyRate = 8000
	AgentRate     = 16000
)

// ErrOddLength reports a PCM buffer that is not a whole number of
// little-endian 16-bit samples.
var ErrOddLength = errors.New("pcm buffer has odd byte length")

// Upsample8kTo16k converts 8kHz PCM16LE to 16kHz by linear interpolation.
// Each input sample is emitted followed by its average with the next one;
// the final sample is duplicated because it has no interpolation partner.
// Output is always exactly twice the input length.
func Upsample8kTo16k(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	n := len(pcm) / 2
	if n == 0 {
		return []byte{}, nil
	}

	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		s := sampleAt(pcm, i)
		putSample(out, 2*i, s)
		if i == n-1 {
			putSample(out, 2*i+1, s)
			continue
		}
		putSample(out, 2*i+1, averageSamples(s, sampleAt(pcm, i+1)))
	}
	return out, nil
}

// Downsample16kTo8k converts 16kHz PCM16LE to 8kHz by averaging sample
// pairs. A trailing unpaired sample passes through unchanged, so the output
// holds ceil(n/2) samples for n input samples.
func Downsample16kTo8k(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	n := len(pcm) / 2
	if n == 0 {
		return []byte{}, nil
	}

	out := make([]byte, (n+1)/2*2)
	for j := 0; 2*j < n; j++ {
		a := sampleAt(pcm, 2*j)
		if 2*j+1 >= n {
			putSample(out, j, a)
			break
		}
		putSample(out, j, averageSamples(a, sampleAt(pcm, 2*j+1)))
	}
	return out, nil
}

// averageSamples rounds half away from zero and clamps to the int16 range.
func averageSamples(a, b int16) int16 {
	sum := int(a) + int(b)
	var avg int
	if sum >= 0 {
		avg = (sum + 1) / 2
	} else {
		avg = (sum - 1) / 2
	}
	if avg > 32767 {
		return 32767
	}
	if avg < -32768 {
		return -32768
	}
	return int16(avg)
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[2*i:]))
}

func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s))
}
