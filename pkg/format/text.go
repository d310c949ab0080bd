// Package format renders log batches into the plain-text upload format and
// names the uploaded files.
package format

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/predatorx7/intakelog/pkg/model"
)

const (
	// ContentType of serialized batches.
	ContentType = "text/plain"

	isoMillis     = "2006-01-02T15:04:05.000Z"
	isoMicros     = "2006-01-02T15:04:05.000000Z"
	maxRouteChars = 30
	maxStackLines = 5
)

var rule = strings.Repeat("=", 80)

// Batch serializes a batch. Sections appear in a fixed order; optional lines
// are omitted when their value is absent.
func Batch(b model.LogBatch) (string, error) {
	var first model.LogEntry
	if len(b.Logs) > 0 {
		first = b.Logs[0]
	}
	meta := first.Metadata
	dev := meta.Device

	var sb strings.Builder
	line := func(s string) {
		sb.WriteString(s)
		sb.WriteByte('\n')
	}
	field := func(label, value string) {
		line(fmt.Sprintf("  %-17s%s", label+":", value))
	}

	line(rule)
	line("LOG FILE")
	line(rule)
	line("")
	line("METADATA:")
	field("Batch ID", b.BatchID)
	field("Created", b.CreatedAt.UTC().Format(isoMillis))
	field("Log Type", string(b.LogType))
	field("Total Logs", fmt.Sprint(len(b.Logs)))
	if b.PatientID != "" {
		field("Patient ID", b.PatientID)
	}
	line("")
	line("DEVICE INFORMATION:")
	field("Device Name", dev.Name)
	field("Platform", dev.Platform)
	field("Language", dev.Language)
	field("Timezone", dev.Timezone)
	field("Screen", fmt.Sprintf("%dx%d", dev.ScreenWidth, dev.ScreenHeight))
	field("Session ID", meta.SessionID)
	if meta.UserID != "" {
		field("User ID", meta.UserID)
	}
	line("")
	line(rule)
	line("LOG ENTRIES")
	line(rule)
	line("")

	for i, e := range b.Logs {
		line(fmt.Sprintf("[%03d] %s | %-5s | %s", i+1, e.Timestamp.UTC().Format(isoMillis), e.Level, route(e.Metadata.Route)))
		line("     Message: " + e.Message)
		if len(e.Context) > 0 {
			ctx, err := json.MarshalIndent(e.Context, "     ", "  ")
			if err != nil {
				return "", fmt.Errorf("failed to encode context of log %s: %w", e.ID, err)
			}
			line("     Context: " + string(ctx))
		}
		if e.Error != nil {
			line(fmt.Sprintf("     Error: %s: %s", e.Error.Name, e.Error.Message))
			if stack := stackLines(e.Error.Stack); len(stack) > 0 {
				line("     Stack Trace:")
				for _, s := range stack {
					line("       " + s)
				}
			}
		}
		line("")
	}

	line(rule)
	line(fmt.Sprintf("END OF LOG FILE - %d entries", len(b.Logs)))
	line(rule)
	return sb.String(), nil
}

func route(r string) string {
	if r == "" {
		return "/"
	}
	runes := []rune(r)
	if len(runes) > maxRouteChars {
		return string(runes[:maxRouteChars])
	}
	return r
}

func stackLines(stack string) []string {
	var out []string
	for _, l := range strings.Split(stack, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		out = append(out, l)
		if len(out) == maxStackLines {
			break
		}
	}
	return out
}

var tzSanitizer = strings.NewReplacer("/", "_", "+", "_", "-", "_", " ", "_")

// Filename names the uploaded file of a batch:
// {identity|generic_logs}_{type}_{timestamp}.txt where identity passes
// through SafeName and timestamp is the UTC
// instant in microseconds with ':' and '.' replaced by '-' and the trailing
// 'Z' followed by the sanitized timezone.
func Filename(identity string, logType model.LogType, at time.Time, timezone string) string {
	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(at.UTC().Format(isoMicros))
	tz := tzSanitizer.Replace(strings.TrimSpace(timezone))
	if tz == "" {
		tz = "UTC"
	}
	stamp = strings.TrimSuffix(stamp, "Z") + "Z-" + tz
	return fmt.Sprintf("%s_%s_%s.txt", SafeName(model.FolderFor(identity)), logType, stamp)
}

// SafeName keeps ASCII letters, digits, '_' and '-' and replaces everything
// else with '_', so an identity can be used as a path element.
func SafeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// BatchFilename names the file of b using the timezone of its first entry.
func BatchFilename(b model.LogBatch, at time.Time) string {
	tz := ""
	if len(b.Logs) > 0 {
		tz = b.Logs[0].Metadata.Device.Timezone
	}
	return Filename(b.PatientID, b.LogType, at, tz)
}
