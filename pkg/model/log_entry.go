package model

import (
	"fmt"
	"strings"
	"time"
)

// Level defines the severity of a log entry. Levels are ranked so that
// filtering is an integer comparison.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelFatal {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return levelNames[l]
}

// IsErrorClass reports whether entries of this level belong in error batches.
func (l Level) IsErrorClass() bool {
	return l >= LevelError
}

// ParseLevel accepts level names case-insensitively. "WARNING" is accepted as WARN.
func ParseLevel(s string) (Level, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "WARNING" {
		return LevelWarn, nil
	}
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	if l < LevelDebug || l > LevelFatal {
		return nil, fmt.Errorf("invalid log level %d", int(l))
	}
	return []byte(levelNames[l]), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Device describes the machine the agent runs on.
type Device struct {
	Name         string `json:"name"`
	Platform     string `json:"platform"`
	Language     string `json:"language"`
	Timezone     string `json:"timezone"`
	ScreenWidth  int    `json:"screenWidth"`
	ScreenHeight int    `json:"screenHeight"`
	UserAgent    string `json:"userAgent,omitempty"`
}

// ErrorInfo is a captured error attached to an entry.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Metadata is stamped on every entry by the logger.
type Metadata struct {
	SessionID        string `json:"sessionId"`
	UserID           string `json:"userId,omitempty"`
	PatientID        string `json:"patientId,omitempty"`
	PatientSessionID string `json:"patientSessionId"`
	Device           Device `json:"device"`
	URL              string `json:"url,omitempty"`
	Route            string `json:"route,omitempty"`
}

// LogEntry is one observed event.
type LogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  uint64         `json:"sequence"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Error     *ErrorInfo     `json:"error,omitempty"`
	Metadata  Metadata       `json:"metadata"`
}

// Before orders entries by timestamp, then by sequence.
func (e LogEntry) Before(o LogEntry) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.Sequence < o.Sequence
}

// IsSentinel reports whether an identity value is a placeholder meaning "absent".
func IsSentinel(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "unknown", "null", "undefined":
		return true
	}
	return false
}

// EffectivePatientID returns the patient id, falling back to the patient
// session id. An empty result means the entry has no identity.
func (e LogEntry) EffectivePatientID() string {
	if !IsSentinel(e.Metadata.PatientID) {
		return strings.TrimSpace(e.Metadata.PatientID)
	}
	if !IsSentinel(e.Metadata.PatientSessionID) {
		return strings.TrimSpace(e.Metadata.PatientSessionID)
	}
	return ""
}

// IDs returns the ids of the given entries in order.
func IDs(entries []LogEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
