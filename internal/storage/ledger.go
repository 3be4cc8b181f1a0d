package storage

import (
	"fmt"
	"time"

	"purepale-studio/internal/model"
)

// 各实现共用的台账操作，调用方持有锁

func prependEntry(session *model.Session, entry *model.ResultEntry) {
	e := entry.Clone()
	e.SessionID = session.ID
	session.Entries = append([]model.ResultEntry{e}, session.Entries...)
	session.UpdatedAt = time.Now()
}

func resolveEntry(session *model.Session, entryID string, resolution model.Resolution) (*model.ResultEntry, error) {
	for i := range session.Entries {
		if session.Entries[i].ID != entryID {
			continue
		}
		if !session.Entries[i].IsPending() {
			return nil, fmt.Errorf("%w: %s", ErrEntryResolved, entryID)
		}
		if resolution.Status != model.StatusSucceeded && resolution.Status != model.StatusFailed {
			return nil, fmt.Errorf("%w: resolution status %q", ErrInvalidData, resolution.Status)
		}
		if resolution.ResolvedAt.IsZero() {
			resolution.ResolvedAt = time.Now()
		}
		resolution.Apply(&session.Entries[i])
		session.UpdatedAt = time.Now()

		out := session.Entries[i].Clone()
		return &out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
}

func cloneEntries(entries []model.ResultEntry) []model.ResultEntry {
	out := make([]model.ResultEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

func pendingEntries(entries []model.ResultEntry) []model.ResultEntry {
	var out []model.ResultEntry
	for _, e := range entries {
		if e.IsPending() {
			out = append(out, e.Clone())
		}
	}
	return out
}
