package bridge

import (
	"unicode/utf8"

	"github.com/lmbridge/lmbridge/pkg/provider"
	"github.com/lmbridge/lmbridge/pkg/sse"
)

// Outcome accumulates the result of a single chat session: terminal
// status, fragment count, and output size. It backs both the response
// metadata and the finished telemetry record.
type Outcome struct {
	Status      sse.Status
	OutputChars int

	Chunks      int
	trackChunks bool

	Err *provider.NormalizedError
}

func newOutcome(trackChunks bool) *Outcome {
	return &Outcome{Status: sse.StatusCompleted, trackChunks: trackChunks}
}

func (o *Outcome) addChunk(text string) {
	o.Chunks++
	o.OutputChars += utf8.RuneCountInString(text)
}

func (o *Outcome) fail(norm provider.NormalizedError) {
	o.Status = sse.StatusFailed
	o.Err = &norm
}
