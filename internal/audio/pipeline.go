package audio

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultFrameDuration is the backend's contractual transmission cadence.
const DefaultFrameDuration = 40 * time.Millisecond

// Frame is one fixed-duration chunk of PCM16LE audio, the atomic unit of
// transmission. Never mutated after creation.
type Frame struct {
	Payload  []byte
	Sequence uint64
}

// Pipeline buffers encoded capture audio and emits fixed-size frames in
// arrival order. Capture callbacks and the pacing loop run on different
// goroutines, so all state is mutex-guarded.
type Pipeline struct {
	enc       Encoder
	frameSize int
	logger    *zap.Logger

	mu  sync.Mutex
	buf []byte
	seq uint64
}

// NewPipeline returns a Pipeline emitting frames of frameDuration length.
func NewPipeline(enc Encoder, frameDuration time.Duration, logger *zap.Logger) *Pipeline {
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// bytes = rate * seconds * 2 (16-bit mono)
	frameSize := enc.TargetRate() * int(frameDuration/time.Millisecond) / 1000 * 2
	return &Pipeline{
		enc:       enc,
		frameSize: frameSize,
		logger:    logger.Named("audio_pipeline"),
	}
}

// FrameSize reports the fixed frame payload length in bytes.
func (p *Pipeline) FrameSize() int { return p.frameSize }

// OnCaptureBlock encodes one raw capture block and appends it to the buffer.
// Transient capture glitches are logged, never propagated as panics.
func (p *Pipeline) OnCaptureBlock(samples []float32, inputRate int) {
	encoded := p.enc.Encode(samples, inputRate)
	if len(encoded) == 0 {
		p.logger.Debug("dropping empty capture block", zap.Int("input_rate", inputRate))
		return
	}
	if len(encoded)%2 != 0 {
		p.logger.Warn("dropping capture block with odd byte count",
			zap.Int("bytes", len(encoded)))
		return
	}

	p.mu.Lock()
	p.buf = append(p.buf, encoded...)
	p.mu.Unlock()
}

// DrainFrame pops exactly one frame when enough bytes have accumulated.
// Partial data below one frame size is retained, never dropped or padded.
func (p *Pipeline) DrainFrame() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) < p.frameSize {
		return Frame{}, false
	}

	payload := make([]byte, p.frameSize)
	copy(payload, p.buf[:p.frameSize])
	p.buf = p.buf[p.frameSize:]

	p.seq++
	return Frame{Payload: payload, Sequence: p.seq}, true
}

// BufferedFrames reports how many whole frames are waiting to be drained.
func (p *Pipeline) BufferedFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) / p.frameSize
}

// BufferedBytes reports the total buffered byte count, including the
// sub-frame remainder.
func (p *Pipeline) BufferedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Reset discards all buffered audio and restarts the sequence counter.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.buf = nil
	p.seq = 0
	p.mu.Unlock()
}
