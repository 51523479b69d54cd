package models

import (
	"time"

	"github.com/google/uuid"
)

// SpeakerRole identifies who produced an utterance.
type SpeakerRole string

const (
	SpeakerTeacher SpeakerRole = "teacher"
	SpeakerStudent SpeakerRole = "student"
	SpeakerUnknown SpeakerRole = "unknown"
)

// TranscriptSegment is one finalized span of transcribed speech.
// Timestamp is seconds elapsed since session start, not wall clock.
// Segments are append-only and immutable after creation, except for the
// keyword/sentiment annotations filled in by the analysis worker.
type TranscriptSegment struct {
	ID          uuid.UUID   `json:"id"`
	SessionID   uuid.UUID   `json:"sessionId"`
	Timestamp   float64     `json:"timestamp"`
	Speaker     SpeakerRole `json:"speaker"`
	SpeakerName string      `json:"speakerName,omitempty"`
	Text        string      `json:"text"`
	Confidence  float64     `json:"confidence,omitempty"`
	Keywords    []string    `json:"keywords,omitempty"`
	Sentiment   *float64    `json:"sentiment,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}
