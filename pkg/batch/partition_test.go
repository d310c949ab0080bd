package batch

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/predatorx7/intakelog/pkg/model"
)

func mk(id, patient, session string, level model.Level) model.LogEntry {
	return model.LogEntry{
		ID:    id,
		Level: level,
		Metadata: model.Metadata{
			PatientID:        patient,
			PatientSessionID: session,
		},
	}
}

func TestPartition_SplitsByIdentityAndClass(t *testing.T) {
	entries := []model.LogEntry{
		mk("1", "P1", "S1", model.LevelInfo),
		mk("2", "P1", "S1", model.LevelError),
		mk("3", "P1", "S1", model.LevelDebug),
		mk("4", "unknown", "S2", model.LevelWarn),
		mk("5", "P1", "S1", model.LevelFatal),
		mk("6", "", "", model.LevelInfo),
	}

	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	p := Partitioner{
		Now:   func() time.Time { return fixed },
		NewID: func() string { n++; return fmt.Sprintf("b%d", n) },
	}
	batches := p.Partition(entries)

	type view struct {
		Folder string
		Type   model.LogType
		IDs    []string
	}
	var got []view
	for _, b := range batches {
		got = append(got, view{b.FolderName, b.LogType, model.IDs(b.Logs)})
		if !b.CreatedAt.Equal(fixed) {
			t.Errorf("Batch %s has unexpected CreatedAt %v", b.BatchID, b.CreatedAt)
		}
	}

	want := []view{
		{"P1", model.LogTypeError, []string{"2", "5"}},
		{"P1", model.LogTypeInfo, []string{"1", "3"}},
		{"S2", model.LogTypeInfo, []string{"4"}},
		{model.GenericFolder, model.LogTypeInfo, []string{"6"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Unexpected batches (-want +got):\n%s", diff)
	}

	if batches[3].PatientID != "" {
		t.Errorf("Generic batch must not carry a patient id, got %q", batches[3].PatientID)
	}
}

func TestPartition_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	patients := []string{"P1", "P2", "", "null", "undefined", "unknown"}
	sessions := []string{"S1", "S2", ""}

	for round := 0; round < 50; round++ {
		var entries []model.LogEntry
		for i := 0; i < rng.Intn(40); i++ {
			entries = append(entries, mk(
				fmt.Sprintf("r%d-%d", round, i),
				patients[rng.Intn(len(patients))],
				sessions[rng.Intn(len(sessions))],
				model.Level(rng.Intn(5)),
			))
		}

		seen := make(map[string]int)
		for _, b := range Partition(entries) {
			if len(b.Logs) == 0 {
				t.Fatalf("Empty batch emitted")
			}
			for _, e := range b.Logs {
				seen[e.ID]++
				if model.TypeOf(e.Level) != b.LogType {
					t.Errorf("Batch %s (%s) contains %s entry", b.BatchID, b.LogType, e.Level)
				}
				if e.EffectivePatientID() != b.PatientID {
					t.Errorf("Batch %s mixes identities %q and %q", b.BatchID, b.PatientID, e.EffectivePatientID())
				}
			}
		}

		for _, e := range entries {
			if seen[e.ID] != 1 {
				t.Errorf("Entry %s appears %d times", e.ID, seen[e.ID])
			}
		}
	}
}

func TestPartition_Empty(t *testing.T) {
	if got := Partition(nil); len(got) != 0 {
		t.Errorf("Expected no batches, got %d", len(got))
	}
}
