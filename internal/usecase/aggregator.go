package usecase

import (
	"strings"
	"sync"

	"whisperdeck/internal/domain"
)

// transcriptAggregator accumulates slices for one session so the final
// session transcript can be reported when streaming ends.
type transcriptAggregator struct {
	mu      sync.Mutex
	finals  []string
	interim string
}

func newTranscriptAggregator() *transcriptAggregator {
	return &transcriptAggregator{}
}

func (a *transcriptAggregator) Add(event domain.TranscriptEvent) {
	text := strings.TrimSpace(event.Text)
	if text == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch event.Kind {
	case domain.SliceFinal:
		a.finals = append(a.finals, text)
		a.interim = ""
	case domain.SliceInterim:
		a.interim = text
	}
}

// Transcript joins confirmed utterances, falling back to the last interim
// slice when the session ended before any utterance was finalized.
func (a *transcriptAggregator) Transcript() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	joined := strings.TrimSpace(strings.Join(a.finals, " "))
	if joined == "" {
		return a.interim
	}
	if a.interim != "" && !strings.HasSuffix(joined, a.interim) {
		return strings.TrimSpace(joined + " " + a.interim)
	}
	return joined
}
