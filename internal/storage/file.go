package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tgdigest/internal/model"
	logx "tgdigest/pkg/logx"
)

const compactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only, one entry per mutation)
//
// Each mutation is a single journal line written and synced before it is
// applied in memory, so a torn tail line is simply skipped on replay.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      journalFile
	writes       int

	notified map[model.Identity]time.Time
	cursors  map[string]model.Cursor
	backoff  map[model.Domain]model.BackoffState
	runs     []model.CycleRun
	lastSlot time.Time
	inbox    map[string][]inboxItem
}

// journalFile is the part of *os.File the journal uses.
type journalFile interface {
	io.Writer
	io.ReaderAt
	io.Seeker
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

type inboxItem struct {
	Message    model.Message
	ReceivedAt time.Time
}

type journalEntry struct {
	Op       string                 `json:"op"`
	Notified []model.NotifiedRecord `json:"notified,omitempty"`
	Cursors  []model.Cursor         `json:"cursors,omitempty"`
	Backoff  []model.BackoffState   `json:"backoff,omitempty"`
	Run      *model.CycleRun        `json:"run,omitempty"`
	Slot     time.Time              `json:"slot,omitempty"`
	Inbox    []model.Message        `json:"inbox,omitempty"`
	At       time.Time              `json:"at,omitempty"`
	Before   time.Time              `json:"before,omitempty"`
	Keep     int                    `json:"keep,omitempty"`
}

type fileSnapshot struct {
	Notified []model.NotifiedRecord `json:"notified"`
	Cursors  []model.Cursor         `json:"cursors"`
	Backoff  []model.BackoffState   `json:"backoff"`
	Runs     []model.CycleRun       `json:"runs"`
	LastSlot time.Time              `json:"last_slot"`
	Inbox    []inboxItem            `json:"inbox"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		notified:     map[model.Identity]time.Time{},
		cursors:      map[string]model.Cursor{},
		backoff:      map[model.Domain]model.BackoffState{},
		inbox:        map[string][]inboxItem{},
	}
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, err := s.replay(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("journal lines skipped on replay", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := terminateLine(jf); err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal = jf
	return s, nil
}

// terminateLine appends a newline when the journal ends mid-line so the next
// entry does not merge into a torn one.
func terminateLine(f journalFile) error {
	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Notified {
		s.notified[r.Identity()] = r.NotifiedAt
	}
	for _, c := range snap.Cursors {
		s.cursors[c.ChannelID] = c
	}
	for _, b := range snap.Backoff {
		s.backoff[b.Domain] = b
	}
	s.runs = snap.Runs
	s.lastSlot = snap.LastSlot
	for _, it := range snap.Inbox {
		s.inbox[it.Message.ChannelID] = append(s.inbox[it.Message.ChannelID], it)
	}
	return nil
}

func (s *fileStore) replay(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	skipped := 0
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.Op == "" {
			skipped++
			continue
		}
		s.apply(e)
	}
	return skipped, sc.Err()
}

// write journals e and applies it. Call with s.mu held.
func (s *fileStore) write(op string, e journalEntry) error {
	if s.journal == nil {
		return model.WrapStorage(op, ErrClosed)
	}
	e.Op = op
	b, err := json.Marshal(e)
	if err != nil {
		return model.WrapStorage(op, err)
	}
	b = append(b, '\n')
	off, err := s.journal.Seek(0, io.SeekEnd)
	if err != nil {
		return model.WrapStorage(op, err)
	}
	if _, err := s.journal.Write(b); err != nil {
		s.dropTorn(off)
		return model.WrapStorage(op, err)
	}
	if err := s.journal.Sync(); err != nil {
		return model.WrapStorage(op, err)
	}
	s.apply(e)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// dropTorn cuts a partially written entry off the journal so the next
// entry starts on a fresh line.
func (s *fileStore) dropTorn(off int64) {
	err := s.journal.Truncate(off)
	if err == nil {
		_, err = s.journal.Seek(0, io.SeekEnd)
	}
	if err != nil {
		if terr := terminateLine(s.journal); terr != nil {
			s.log.Error("journal left with a torn entry", logx.Err(errors.Join(err, terr)))
		}
	}
}

func (s *fileStore) apply(e journalEntry) {
	switch e.Op {
	case "commit":
		for _, r := range e.Notified {
			if _, ok := s.notified[r.Identity()]; !ok {
				s.notified[r.Identity()] = r.NotifiedAt
			}
		}
		for _, c := range e.Cursors {
			cur, ok := s.cursors[c.ChannelID]
			if !ok {
				s.cursors[c.ChannelID] = c
				continue
			}
			if c.LastSeenID > cur.LastSeenID {
				cur.LastSeenID = c.LastSeenID
			}
			if cur.Since.IsZero() {
				cur.Since = c.Since
			}
			s.cursors[c.ChannelID] = cur
		}
	case "backoff":
		for _, b := range e.Backoff {
			s.backoff[b.Domain] = b
		}
	case "run":
		if e.Run != nil {
			s.runs = append(s.runs, *e.Run)
		}
	case "slot":
		s.lastSlot = e.Slot
	case "inbox":
		for _, m := range e.Inbox {
			items := s.inbox[m.ChannelID]
			i := sort.Search(len(items), func(i int) bool { return items[i].Message.MessageID >= m.MessageID })
			if i < len(items) && items[i].Message.MessageID == m.MessageID {
				continue
			}
			items = append(items, inboxItem{})
			copy(items[i+1:], items[i:])
			items[i] = inboxItem{Message: m, ReceivedAt: e.At}
			s.inbox[m.ChannelID] = items
		}
	case "prune_notified":
		for id, at := range s.notified {
			if at.Before(e.Before) {
				delete(s.notified, id)
			}
		}
	case "prune_runs":
		if e.Keep > 0 && len(s.runs) > e.Keep {
			s.runs = append([]model.CycleRun(nil), s.runs[len(s.runs)-e.Keep:]...)
		}
	case "prune_inbox":
		for ch, items := range s.inbox {
			kept := items[:0]
			for _, it := range items {
				if !it.ReceivedAt.Before(e.Before) {
					kept = append(kept, it)
				}
			}
			if len(kept) == 0 {
				delete(s.inbox, ch)
			} else {
				s.inbox[ch] = kept
			}
		}
	}
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{LastSlot: s.lastSlot, Runs: s.runs}
	for id, at := range s.notified {
		snap.Notified = append(snap.Notified, model.NotifiedRecord{ChannelID: id.ChannelID, MessageID: id.MessageID, NotifiedAt: at})
	}
	for _, c := range s.cursors {
		snap.Cursors = append(snap.Cursors, c)
	}
	for _, b := range s.backoff {
		snap.Backoff = append(snap.Backoff, b)
	}
	for _, items := range s.inbox {
		snap.Inbox = append(snap.Inbox, items...)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) HasNotified(ctx context.Context, id model.Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.notified[id]
	return ok, nil
}

func (s *fileStore) NotifiedAmong(ctx context.Context, ids []model.Identity) (map[model.Identity]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.Identity]bool)
	for _, id := range ids {
		if _, ok := s.notified[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (s *fileStore) Commit(ctx context.Context, cp Checkpoint) error {
	if cp.Empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return model.WrapStorage("commit", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write("commit", journalEntry{Notified: cp.Notified, Cursors: cp.Cursors})
}

func (s *fileStore) PruneNotified(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, at := range s.notified {
		if at.Before(before) {
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.write("prune_notified", journalEntry{Before: before}); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *fileStore) CountNotified(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notified), nil
}

func (s *fileStore) Cursors(ctx context.Context) (map[string]model.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.Cursor, len(s.cursors))
	for k, v := range s.cursors {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) Backoff(ctx context.Context) (map[model.Domain]model.BackoffState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.Domain]model.BackoffState, len(s.backoff))
	for k, v := range s.backoff {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) SaveBackoff(ctx context.Context, states []model.BackoffState) error {
	if len(states) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write("backoff", journalEntry{Backoff: states})
}

func (s *fileStore) AppendRun(ctx context.Context, run model.CycleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write("run", journalEntry{Run: &run})
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]model.CycleRun, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.CycleRun, 0, min(limit, len(s.runs)))
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}

func (s *fileStore) PruneRuns(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.runs) - keep
	if n <= 0 {
		return 0, nil
	}
	if err := s.write("prune_runs", journalEntry{Keep: keep}); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *fileStore) LastSlot(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSlot, nil
}

func (s *fileStore) SaveSlot(ctx context.Context, slot time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write("slot", journalEntry{Slot: slot})
}

func (s *fileStore) AppendInbox(ctx context.Context, msgs ...model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write("inbox", journalEntry{Inbox: msgs, At: time.Now()})
}

func (s *fileStore) InboxSince(ctx context.Context, channelID string, afterID int64, since time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, it := range s.inbox[channelID] {
		m := it.Message
		if m.MessageID <= afterID || m.Timestamp.Before(since) {
			continue
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fileStore) PruneInbox(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, items := range s.inbox {
		for _, it := range items {
			if it.ReceivedAt.Before(before) {
				n++
			}
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.write("prune_inbox", journalEntry{Before: before}); err != nil {
		return 0, err
	}
	return n, nil
}
