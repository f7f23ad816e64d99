package audio

import (
	"encoding/binary"
	"math"
)

// Encoder converts float capture samples into PCM16 little-endian bytes at
// the backend's required sample rate. Pure and deterministic; safe to share.
type Encoder struct {
	targetRate int
}

// NewEncoder returns an Encoder emitting mono PCM16LE at targetRate.
func NewEncoder(targetRate int) Encoder {
	if targetRate <= 0 {
		targetRate = 16000
	}
	return Encoder{targetRate: targetRate}
}

// TargetRate reports the output sample rate.
func (e Encoder) TargetRate() int { return e.targetRate }

// Encode resamples the block to the target rate when needed and converts it
// to PCM16LE. Samples outside [-1, 1] are clamped before scaling.
func (e Encoder) Encode(samples []float32, inputRate int) []byte {
	if len(samples) == 0 {
		return nil
	}
	if inputRate != e.targetRate && inputRate > 0 {
		samples = resampleLinear(samples, inputRate, e.targetRate)
	}

	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		if sample > 1 {
			sample = 1
		} else if sample < -1 {
			sample = -1
		}
		value := int16(math.Round(float64(sample) * 32767))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(value))
	}
	return out
}

// resampleLinear blends the two nearest input samples for each output index.
func resampleLinear(samples []float32, inputRate, targetRate int) []float32 {
	outLen := int(float64(len(samples)) * float64(targetRate) / float64(inputRate))
	if outLen == 0 {
		return nil
	}

	ratio := float64(inputRate) / float64(targetRate)
	out := make([]float32, outLen)
	for i := range out {
		srcIndex := float64(i) * ratio
		lo := int(srcIndex)
		hi := lo + 1
		if hi >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(srcIndex - float64(lo))
		out[i] = samples[lo]*(1-frac) + samples[hi]*frac
	}
	return out
}
