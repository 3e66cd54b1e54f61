// Package dedup records which messages have already gone out in a digest.
//
// The set is the commit point of a cycle: a batch of identities is recorded
// together with the cursor advances it justifies, in one storage transaction.
package dedup

import (
	"context"
	"time"

	"tgdigest/internal/model"
	"tgdigest/internal/storage"
	logx "tgdigest/pkg/logx"
)

// DefaultRetention keeps notified records for 30 days.
const DefaultRetention = 30 * 24 * time.Hour

type Store struct {
	st  storage.DedupStore
	log logx.Logger
	now func() time.Time
}

func New(st storage.DedupStore, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{st: st, log: log.With(logx.String("comp", "dedup")), now: time.Now}
}

func (s *Store) HasNotified(ctx context.Context, id model.Identity) (bool, error) {
	return s.st.HasNotified(ctx, id)
}

// Unseen returns the ids that have no notified record, preserving order.
func (s *Store) Unseen(ctx context.Context, ids []model.Identity) ([]model.Identity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen, err := s.st.NotifiedAmong(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]model.Identity, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// RecordBatch commits ids as notified, together with any cursor advances,
// atomically. Duplicate ids within the batch are collapsed.
func (s *Store) RecordBatch(ctx context.Context, ids []model.Identity, advance ...model.Cursor) error {
	now := s.now()
	cp := storage.Checkpoint{Cursors: advance}
	dup := make(map[model.Identity]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := dup[id]; ok {
			continue
		}
		dup[id] = struct{}{}
		cp.Notified = append(cp.Notified, model.NotifiedRecord{ChannelID: id.ChannelID, MessageID: id.MessageID, NotifiedAt: now})
	}
	if cp.Empty() {
		return nil
	}
	if err := s.st.Commit(ctx, cp); err != nil {
		return err
	}
	s.log.Debug("batch recorded", logx.Int("notified", len(cp.Notified)), logx.Int("cursors", len(cp.Cursors)))
	return nil
}

// Prune drops records older than retention. A non-positive retention uses
// DefaultRetention.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	n, err := s.st.PruneNotified(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("notified records pruned", logx.Int("count", n), logx.Duration("retention", retention))
	}
	return n, nil
}

func (s *Store) Count(ctx context.Context) (int, error) { return s.st.CountNotified(ctx) }
