package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tgdigest/internal/model"
	logx "tgdigest/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const keyLastSlot = "schedule.last_slot"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; it also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) HasNotified(ctx context.Context, id model.Identity) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM notified WHERE channel_id = ? AND message_id = ?`,
		id.ChannelID, id.MessageID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, model.WrapStorage("has_notified", err)
	}
	return true, nil
}

func (s *sqliteStore) NotifiedAmong(ctx context.Context, ids []model.Identity) (map[model.Identity]bool, error) {
	out := make(map[model.Identity]bool)
	if len(ids) == 0 {
		return out, nil
	}
	byChannel := map[string][]int64{}
	for _, id := range ids {
		byChannel[id.ChannelID] = append(byChannel[id.ChannelID], id.MessageID)
	}
	for ch, msgIDs := range byChannel {
		// Chunk to stay well below SQLITE_MAX_VARIABLE_NUMBER.
		for start := 0; start < len(msgIDs); start += 500 {
			end := min(start+500, len(msgIDs))
			chunk := msgIDs[start:end]
			args := make([]any, 0, len(chunk)+1)
			args = append(args, ch)
			for _, id := range chunk {
				args = append(args, id)
			}
			q := `SELECT message_id FROM notified WHERE channel_id = ? AND message_id IN (` + placeholders(len(chunk)) + `)`
			rows, err := s.db.QueryContext(ctx, q, args...)
			if err != nil {
				return nil, model.WrapStorage("notified_among", err)
			}
			for rows.Next() {
				var id int64
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return nil, model.WrapStorage("notified_among", err)
				}
				out[model.Identity{ChannelID: ch, MessageID: id}] = true
			}
			err = rows.Err()
			rows.Close()
			if err != nil {
				return nil, model.WrapStorage("notified_among", err)
			}
		}
	}
	return out, nil
}

func (s *sqliteStore) Commit(ctx context.Context, cp Checkpoint) error {
	if cp.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WrapStorage("commit.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range cp.Notified {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notified(channel_id, message_id, notified_at) VALUES(?,?,?)
			 ON CONFLICT(channel_id, message_id) DO NOTHING`,
			r.ChannelID, r.MessageID, toMilli(r.NotifiedAt),
		); err != nil {
			return model.WrapStorage("commit.notified", err)
		}
	}
	now := time.Now().UnixMilli()
	for _, c := range cp.Cursors {
		// MAX() keeps the cursor monotonic even if a caller passes an older value.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cursors(channel_id, last_seen_id, since, updated_at) VALUES(?,?,?,?)
			 ON CONFLICT(channel_id) DO UPDATE SET
			   last_seen_id = MAX(cursors.last_seen_id, excluded.last_seen_id),
			   since = CASE WHEN cursors.since = 0 THEN excluded.since ELSE cursors.since END,
			   updated_at = excluded.updated_at`,
			c.ChannelID, c.LastSeenID, toMilli(c.Since), now,
		); err != nil {
			return model.WrapStorage("commit.cursor", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.WrapStorage("commit", err)
	}
	return nil
}

func (s *sqliteStore) PruneNotified(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notified WHERE notified_at < ?`, toMilli(before))
	if err != nil {
		return 0, model.WrapStorage("prune_notified", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) CountNotified(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notified`).Scan(&n); err != nil {
		return 0, model.WrapStorage("count_notified", err)
	}
	return n, nil
}

func (s *sqliteStore) Cursors(ctx context.Context) (map[string]model.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id, last_seen_id, since FROM cursors`)
	if err != nil {
		return nil, model.WrapStorage("cursors", err)
	}
	defer rows.Close()
	out := map[string]model.Cursor{}
	for rows.Next() {
		var (
			c     model.Cursor
			since int64
		)
		if err := rows.Scan(&c.ChannelID, &c.LastSeenID, &since); err != nil {
			return nil, model.WrapStorage("cursors", err)
		}
		c.Since = fromMilli(since)
		out[c.ChannelID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, model.WrapStorage("cursors", err)
	}
	return out, nil
}

func (s *sqliteStore) Backoff(ctx context.Context) (map[model.Domain]model.BackoffState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain, failures, not_before FROM backoff`)
	if err != nil {
		return nil, model.WrapStorage("backoff", err)
	}
	defer rows.Close()
	out := map[model.Domain]model.BackoffState{}
	for rows.Next() {
		var (
			b  model.BackoffState
			d  string
			nb int64
		)
		if err := rows.Scan(&d, &b.ConsecutiveFailures, &nb); err != nil {
			return nil, model.WrapStorage("backoff", err)
		}
		b.Domain = model.Domain(d)
		b.NextRetryNotBefore = fromMilli(nb)
		out[b.Domain] = b
	}
	if err := rows.Err(); err != nil {
		return nil, model.WrapStorage("backoff", err)
	}
	return out, nil
}

func (s *sqliteStore) SaveBackoff(ctx context.Context, states []model.BackoffState) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WrapStorage("save_backoff", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, b := range states {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO backoff(domain, failures, not_before) VALUES(?,?,?)
			 ON CONFLICT(domain) DO UPDATE SET failures = excluded.failures, not_before = excluded.not_before`,
			string(b.Domain), b.ConsecutiveFailures, toMilli(b.NextRetryNotBefore),
		); err != nil {
			return model.WrapStorage("save_backoff", err)
		}
	}
	return model.WrapStorage("save_backoff", tx.Commit())
}

func (s *sqliteStore) AppendRun(ctx context.Context, r model.CycleRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycle_runs(id, trigger, slot, started_at, ended_at, status,
		   channels_processed, channels_failed, matched, notified, error_summary)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, string(r.Trigger), toMilli(r.Slot), toMilli(r.StartedAt), toMilli(r.EndedAt), string(r.Status),
		r.ChannelsProcessed, r.ChannelsFailed, r.MessagesMatched, r.MessagesNotified, nullStr(r.ErrorSummary),
	)
	return model.WrapStorage("append_run", err)
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]model.CycleRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trigger, slot, started_at, ended_at, status, channels_processed, channels_failed,
		        matched, notified, COALESCE(error_summary, '')
		 FROM cycle_runs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, model.WrapStorage("recent_runs", err)
	}
	defer rows.Close()
	var out []model.CycleRun
	for rows.Next() {
		var (
			r                    model.CycleRun
			trig, status         string
			slot, started, ended int64
		)
		if err := rows.Scan(&r.ID, &trig, &slot, &started, &ended, &status,
			&r.ChannelsProcessed, &r.ChannelsFailed, &r.MessagesMatched, &r.MessagesNotified, &r.ErrorSummary); err != nil {
			return nil, model.WrapStorage("recent_runs", err)
		}
		r.Trigger = model.Trigger(trig)
		r.Status = model.RunStatus(status)
		r.Slot = fromMilli(slot)
		r.StartedAt = fromMilli(started)
		r.EndedAt = fromMilli(ended)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, model.WrapStorage("recent_runs", err)
	}
	return out, nil
}

func (s *sqliteStore) PruneRuns(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cycle_runs WHERE seq <= (SELECT seq FROM cycle_runs ORDER BY seq DESC LIMIT 1 OFFSET ?)`, keep)
	if err != nil {
		return 0, model.WrapStorage("prune_runs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) LastSlot(ctx context.Context) (time.Time, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, keyLastSlot).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, model.WrapStorage("last_slot", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, model.WrapStorage("last_slot", err)
	}
	return fromMilli(ms), nil
}

func (s *sqliteStore) SaveSlot(ctx context.Context, slot time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		keyLastSlot, strconv.FormatInt(toMilli(slot), 10))
	return model.WrapStorage("save_slot", err)
}

func (s *sqliteStore) AppendInbox(ctx context.Context, msgs ...model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WrapStorage("append_inbox", err)
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inbox(channel_id, message_id, ts, text, author, content_type, link, received_at)
			 VALUES(?,?,?,?,?,?,?,?)
			 ON CONFLICT(channel_id, message_id) DO NOTHING`,
			m.ChannelID, m.MessageID, toMilli(m.Timestamp), m.Text, nullStr(m.Author),
			string(m.ContentType), nullStr(m.Link), now,
		); err != nil {
			return model.WrapStorage("append_inbox", err)
		}
	}
	return model.WrapStorage("append_inbox", tx.Commit())
}

func (s *sqliteStore) InboxSince(ctx context.Context, channelID string, afterID int64, since time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, ts, COALESCE(text, ''), COALESCE(author, ''), COALESCE(content_type, ''), COALESCE(link, '')
		 FROM inbox WHERE channel_id = ? AND message_id > ? AND ts >= ?
		 ORDER BY message_id ASC LIMIT ?`,
		channelID, afterID, toMilli(since), limit)
	if err != nil {
		return nil, model.WrapStorage("inbox_since", err)
	}
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		var (
			m  model.Message
			ts int64
			ct string
		)
		if err := rows.Scan(&m.MessageID, &ts, &m.Text, &m.Author, &ct, &m.Link); err != nil {
			return nil, model.WrapStorage("inbox_since", err)
		}
		m.ChannelID = channelID
		m.Timestamp = fromMilli(ts)
		m.ContentType = model.ContentType(ct)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, model.WrapStorage("inbox_since", err)
	}
	return out, nil
}

func (s *sqliteStore) PruneInbox(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbox WHERE received_at < ?`, toMilli(before))
	if err != nil {
		return 0, model.WrapStorage("prune_inbox", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
