package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the class session lifecycle.
type SessionStatus string

const (
	SessionStatusRecording  SessionStatus = "recording"
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
)

// Valid reports whether s is a known status value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusRecording, SessionStatusProcessing, SessionStatusCompleted, SessionStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is an end state. Terminal sessions are never
// mutated again except by deletion.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// ClassSession is one classroom recording lifecycle instance.
// Duration is whole seconds, computed once at stop time.
// TranscriptCount always equals the number of persisted segments.
type ClassSession struct {
	ID              uuid.UUID     `json:"id"`
	TeacherID       uuid.UUID     `json:"teacherId"`
	CourseName      string        `json:"courseName"`
	ClassName       string        `json:"className"`
	Subject         string        `json:"subject"`
	Grade           string        `json:"grade"`
	Objectives      string        `json:"objectives,omitempty"`
	StartTime       time.Time     `json:"startTime"`
	EndTime         *time.Time    `json:"endTime,omitempty"`
	Duration        int           `json:"duration"`
	Status          SessionStatus `json:"status"`
	AudioURL        string        `json:"audioUrl,omitempty"`
	TranscriptCount int           `json:"transcriptCount"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// ClassSessionWithTranscript is a session with its ordered transcript nested.
type ClassSessionWithTranscript struct {
	ClassSession
	Transcript []TranscriptSegment `json:"transcript"`
}
