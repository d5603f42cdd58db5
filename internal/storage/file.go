package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "bgtask/pkg/logx"
)

const compactEvery = 256

// fileStore keeps everything in three files next to cfg.Path:
//   - <prefix>.outcomes.jsonl         (append-only JSON Lines)
//   - <prefix>.pending.snapshot.json  (compacted state)
//   - <prefix>.pending.journal.jsonl  (append-only journal)
//
// The journal is folded into the snapshot on open and every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	outcomeFile *os.File

	snapshotPath string
	journalFile  *os.File
	pending      map[string]int64 // unix milli

	writes int
}

type pendingRecord struct {
	ID  string `json:"id"`
	At  int64  `json:"at,omitempty"`
	Del bool   `json:"del,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	of, err := os.OpenFile(prefix+".outcomes.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".pending.snapshot.json"
	journalPath := prefix + ".pending.journal.jsonl"
	pending := map[string]int64{}
	if err := loadSnapshot(snapPath, pending); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("pending snapshot unreadable", logx.Err(err))
	}
	if err := replayJournal(journalPath, pending); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("pending journal replay stopped early", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = of.Close()
		return nil, err
	}
	s := &fileStore{
		log:          log,
		outcomeFile:  of,
		snapshotPath: snapPath,
		journalFile:  jf,
		pending:      pending,
	}
	s.mu.Lock()
	if err := s.compactLocked(); err != nil {
		log.Debug("pending compact failed", logx.Err(err))
	}
	s.mu.Unlock()
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.outcomeFile != nil {
		err1 = s.outcomeFile.Close()
		s.outcomeFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendOutcome(ctx context.Context, o Outcome) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomeFile == nil {
		return errors.New("outcome file closed")
	}
	return json.NewEncoder(s.outcomeFile).Encode(o)
}

func (s *fileStore) PutPending(ctx context.Context, id string, earliest time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	ms := earliest.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = ms
	return s.appendLocked(pendingRecord{ID: id, At: ms})
}

func (s *fileStore) DeletePending(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return nil
	}
	delete(s.pending, id)
	return s.appendLocked(pendingRecord{ID: id, Del: true})
}

func (s *fileStore) LoadPending(ctx context.Context) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.pending))
	for id, ms := range s.pending {
		out[id] = time.UnixMilli(ms)
	}
	return out, nil
}

func (s *fileStore) appendLocked(r pendingRecord) error {
	if s.journalFile == nil {
		return errors.New("pending journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("pending compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.pending); err != nil {
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
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies records in order; a torn last line is skipped.
func replayJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r pendingRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		if r.Del {
			delete(out, r.ID)
		} else {
			out[r.ID] = r.At
		}
	}
	return sc.Err()
}
