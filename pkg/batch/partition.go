package batch

import (
	"time"

	"github.com/google/uuid"
	"github.com/predatorx7/intakelog/pkg/model"
)

// Partitioner splits unsent entries into upload-ready batches.
type Partitioner struct {
	Now   func() time.Time
	NewID func() string
}

// Partition groups entries by effective patient identity and splits each
// group into an error batch (ERROR, FATAL) and an info batch (DEBUG, INFO,
// WARN). Groups keep first-appearance order and entries keep their relative
// order. Every entry lands in exactly one batch.
func Partition(entries []model.LogEntry) []model.LogBatch {
	return Partitioner{}.Partition(entries)
}

func (p Partitioner) Partition(entries []model.LogEntry) []model.LogBatch {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	newID := uuid.NewString
	if p.NewID != nil {
		newID = p.NewID
	}

	type group struct {
		identity string
		errors   []model.LogEntry
		infos    []model.LogEntry
	}

	var order []*group
	groups := make(map[string]*group)
	for _, entry := range entries {
		identity := entry.EffectivePatientID()
		g, ok := groups[identity]
		if !ok {
			g = &group{identity: identity}
			groups[identity] = g
			order = append(order, g)
		}
		if entry.Level.IsErrorClass() {
			g.errors = append(g.errors, entry)
		} else {
			g.infos = append(g.infos, entry)
		}
	}

	created := now()
	batches := make([]model.LogBatch, 0, 2*len(order))
	for _, g := range order {
		for _, sub := range []struct {
			logType model.LogType
			logs    []model.LogEntry
		}{
			{model.LogTypeError, g.errors},
			{model.LogTypeInfo, g.infos},
		} {
			if len(sub.logs) == 0 {
				continue
			}
			batches = append(batches, model.LogBatch{
				BatchID:    newID(),
				Logs:       sub.logs,
				CreatedAt:  created,
				PatientID:  g.identity,
				LogType:    sub.logType,
				FolderName: model.FolderFor(g.identity),
			})
		}
	}
	return batches
}
