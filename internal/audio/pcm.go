package audio

import (
	"math"

	"github.com/zaf/g711"
)

// DecodeMuLaw converts a G.711 μ-law frame to 16-bit linear PCM
// (little-endian). Asterisk delivers channel audio as μ-law at 8kHz.
func DecodeMuLaw(ulaw []byte) []byte {
	if len(ulaw) == 0 {
		return nil
	}
	return g711.DecodeUlaw(ulaw)
}

// BytesToSamples reinterprets little-endian PCM16 bytes as int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes encodes int16 samples as little-endian PCM16 bytes.
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// EncodeMuLaw converts 16-bit linear PCM (little-endian) to G.711 μ-law,
// the frame format the telephony leg plays back.
func EncodeMuLaw(pcm []byte) []byte {
	if len(pcm) == 0 {
		return nil
	}
	return g711.EncodeUlaw(pcm)
}

// Downsample reduces the sample rate of PCM16 audio by simple decimation.
// fromRate must be an integer multiple of toRate; other ratios return the
// input unchanged.
func Downsample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || fromRate%toRate != 0 {
		return pcm
	}

	step := fromRate / toRate
	samples := BytesToSamples(pcm)
	out := make([]int16, 0, len(samples)/step+1)
	for i := 0; i < len(samples); i += step {
		out = append(out, samples[i])
	}
	return SamplesToBytes(out)
}

// RMS calculates the root mean square energy of little-endian PCM16 bytes.
// The result is truncated to an integer so it can be compared directly
// against the VAD energy thresholds.
func RMS(pcm []byte) int {
	samples := BytesToSamples(pcm)
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}

	return int(math.Sqrt(sum / float64(len(samples))))
}
