package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tt2tg/internal/item"
	logx "tt2tg/pkg/logx"
)

// fileStore keeps the queue as a pretty-printed JSON array.
//
// Files (for path ./urls_to_send.json):
//   - urls_to_send.json            pending items, rewritten on every append
//   - urls_to_send.inflight.json   the claimed batch while a drain runs
//   - <archive_dir>/urls_to_send-YYYYMMDD-HHMMSS.json   committed batches
//
// A file written by the URL-only collector (a JSON array of strings) loads
// as legacy_url items.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path         string
	inflightPath string
	archive      archiver
	parking      archiver

	inflightID    string
	inflightItems []item.Item
	inflightKeys  map[string]struct{}

	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	if ext == "" {
		ext = ".json"
	}

	s := &fileStore{
		log:          log,
		path:         path,
		inflightPath: stem + ".inflight" + ext,
		archive:      newArchiver(cfg.ArchiveDir, path),
		parking:      archiver{dir: dir, base: filepath.Base(stem) + ".unarchived", now: time.Now},
	}
	if err := s.loadInflight(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadInflight picks up a batch a previous run claimed but never committed.
func (s *fileStore) loadInflight() error {
	b, err := os.ReadFile(s.inflightPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	items, _ := decodeItems(b, s.log, s.inflightPath)
	if len(items) == 0 {
		dst, err := s.archive.moveInto(s.inflightPath)
		if err != nil {
			return fmt.Errorf("archive empty in-flight batch: %w", err)
		}
		s.log.Warn("archived empty in-flight batch", logx.String("archive", dst))
		return nil
	}
	s.setInflight(uuid.NewString(), items)
	s.log.Warn("found unfinished drain; batch will be re-sent on next drain",
		logx.Int("items", len(items)), logx.String("path", s.inflightPath))
	return nil
}

func (s *fileStore) setInflight(id string, items []item.Item) {
	s.inflightID = id
	s.inflightItems = items
	s.inflightKeys = make(map[string]struct{}, len(items))
	for _, it := range items {
		if k, ok := item.Identity(it); ok {
			s.inflightKeys[k] = struct{}{}
		}
	}
}

func (s *fileStore) clearInflight() {
	s.inflightID = ""
	s.inflightItems = nil
	s.inflightKeys = nil
}

// readLocked returns the pending items. ok is false when the file exists
// but could not be read or parsed; it must not be overwritten in place.
func (s *fileStore) readLocked() ([]item.Item, bool) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, true
	}
	if err != nil {
		s.log.Warn("queue file unreadable; treating as empty", logx.String("path", s.path), logx.Err(err))
		return nil, false
	}
	return decodeItems(b, s.log, s.path)
}

// quarantineLocked moves a corrupt or unreadable queue file aside before
// it is replaced.
func (s *fileStore) quarantineLocked() error {
	dst := s.path + ".corrupt-" + time.Now().Format(archiveStamp)
	if err := os.Rename(s.path, dst); err != nil {
		return fmt.Errorf("move unreadable queue aside: %w", err)
	}
	syncDir(filepath.Dir(s.path))
	s.log.Warn("corrupt queue file moved aside", logx.String("path", dst))
	return nil
}

func (s *fileStore) AppendIfAbsent(ctx context.Context, it item.Item) (Result, error) {
	_ = ctx
	key, ok := item.Identity(it)
	if !ok {
		return 0, errors.New("item has no identity key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if _, ok := s.inflightKeys[key]; ok {
		return Duplicate, nil
	}
	items, readable := s.readLocked()
	for _, existing := range items {
		if k, _ := item.Identity(existing); k == key {
			return Duplicate, nil
		}
	}
	if !readable {
		if err := s.quarantineLocked(); err != nil {
			return 0, err
		}
	}

	b, err := encodeItems(append(items, it))
	if err != nil {
		return 0, err
	}
	if err := writeFileAtomic(s.path, b); err != nil {
		return 0, fmt.Errorf("write queue: %w", err)
	}
	return Accepted, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	items, _ := s.readLocked()
	keys := make([]string, 0, len(s.inflightItems)+len(items))
	for _, list := range [][]item.Item{s.inflightItems, items} {
		for _, it := range list {
			if k, ok := item.Identity(it); ok {
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}

func (s *fileStore) Pending(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	items, _ := s.readLocked()
	return len(s.inflightItems) + len(items), nil
}

func (s *fileStore) Claim(ctx context.Context) (*Batch, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if len(s.inflightItems) > 0 {
		return s.batchLocked(true), nil
	}

	items, _ := s.readLocked()
	if len(items) == 0 {
		return nil, nil
	}
	if err := os.Rename(s.path, s.inflightPath); err != nil {
		return nil, fmt.Errorf("claim queue: %w", err)
	}
	syncDir(filepath.Dir(s.path))
	s.setInflight(uuid.NewString(), items)
	return s.batchLocked(false), nil
}

func (s *fileStore) batchLocked(recovered bool) *Batch {
	id := s.inflightID
	items := make([]item.Item, len(s.inflightItems))
	copy(items, s.inflightItems)
	return &Batch{
		ID:        id,
		Items:     items,
		Recovered: recovered,
		commit:    func(ctx context.Context) (string, error) { return s.commit(id) },
	}
}

func (s *fileStore) commit(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflightID != id {
		return "", errors.New("batch is no longer in flight")
	}

	dst, err := s.archive.moveInto(s.inflightPath)
	if dst != "" {
		s.clearInflight()
		if err != nil {
			// Archived by copy but the source stayed behind.
			if parked, perr := s.parking.moveInto(s.inflightPath); perr == nil {
				s.log.Warn("in-flight leftover parked", logx.String("path", parked))
				err = nil
			}
		}
		return dst, err
	}

	parked, perr := s.parking.moveInto(s.inflightPath)
	if perr != nil {
		return "", fmt.Errorf("archive batch: %w (parking failed: %v)", err, perr)
	}
	s.clearInflight()
	return "", fmt.Errorf("archive batch (parked at %s): %w", parked, err)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
