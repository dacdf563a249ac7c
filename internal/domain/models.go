// Package domain holds the value types that flow through the pipeline.
package domain

import "time"

// Transcript kinds.
const (
	KindPartial = "partial"
	KindFinal   = "final"
)

// Speaker labels for persisted utterances.
const (
	SpeakerCustomer = "customer"
	SpeakerAgent    = "agent"
	SpeakerUnknown  = "unknown"
)

// AudioFrame is one normalized chunk of call audio as published on the
// audio_stream topic. Payload is raw little-endian PCM16; the JSON envelope
// base64-encodes it ([]byte marshals to base64).
type AudioFrame struct {
	CallID      string `json:"callId"`
	TenantID    string `json:"tenantId,omitempty"`
	Seq         uint64 `json:"seq"`
	SampleRate  int    `json:"sampleRate"`
	Encoding    string `json:"encoding"`
	Channels    int    `json:"channels"`
	Payload     []byte `json:"payload_b64"`
	TimestampMs int64  `json:"timestampMs"`
}

// DurationMs returns the audio duration represented by the payload.
func (f *AudioFrame) DurationMs() int64 {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Payload) / (2 * f.Channels)
	return int64(samples) * 1000 / int64(f.SampleRate)
}

// ControlEvent is a non-audio message on audio_stream, currently only call
// termination ("call_end").
type ControlEvent struct {
	Event    string `json:"event"`
	CallID   string `json:"callId"`
	TenantID string `json:"tenantId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

const EventCallEnd = "call_end"

// TranscriptEvent is one transcription fragment on transcript.<callId>.
// A final event supersedes any partial with an overlapping [StartMs,EndMs]
// range.
type TranscriptEvent struct {
	CallID     string    `json:"callId"`
	TenantID   string    `json:"tenantId,omitempty"`
	Seq        uint64    `json:"seq"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	StartMs    int64     `json:"startMs"`
	EndMs      int64     `json:"endMs"`
	CreatedAt  time.Time `json:"createdAt"`
	// Error annotates the synthetic final emitted when a provider session is
	// abandoned after exhausting reconnects.
	Error string `json:"error,omitempty"`
}

// IsTerminal reports whether this event is the end-of-stream marker.
func (e *TranscriptEvent) IsTerminal() bool {
	return e.Kind == KindFinal && e.Text == ""
}

// Utterance is a persisted transcript line, keyed by (CallID, Seq).
type Utterance struct {
	CallID  string    `json:"callId"`
	Seq     uint64    `json:"seq"`
	Text    string    `json:"text"`
	Speaker string    `json:"speaker"`
	TS      time.Time `json:"ts"`
}

// Intent is a classification of the conversation so far. Rows are
// append-only; the most recent row per call is current.
type Intent struct {
	CallID     string    `json:"callId"`
	Seq        uint64    `json:"seq"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"createdAt"`
}

// KBArticle is a knowledge-base article retrieved for an intent. The
// pipeline never writes articles.
type KBArticle struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Snippet string   `json:"snippet"`
	Tags    []string `json:"tags"`
	Score   float64  `json:"score"`
}

// Disposition is the call summary produced at call end, one row per call.
type Disposition struct {
	CallID              string    `json:"callId"`
	IssueSummary        string    `json:"issueSummary"`
	Resolution          string    `json:"resolution"`
	NextSteps           string    `json:"nextSteps"`
	SuggestedCategories []string  `json:"suggestedCategories"`
	Confidence          float64   `json:"confidence"`
	CreatedAt           time.Time `json:"createdAt"`
}
