// Package target holds the delivery destination bound by the operator.
package target

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	kit "tt2tg/internal/transport"
	logx "tt2tg/pkg/logx"
)

// State is the current destination. It is unset on first run and is
// overwritten by every bind. The zero path keeps it in memory only.
type State struct {
	mu   sync.RWMutex
	path string
	cur  kit.ChatTarget
}

// Load reads the destination file at path. A missing file leaves the state
// unset; unparsable content is logged and ignored.
func Load(path string, log logx.Logger) (*State, error) {
	s := &State{path: strings.TrimSpace(path)}
	if s.path == "" {
		return s, nil
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read target: %w", err)
	}
	t, err := Parse(string(b))
	if err != nil {
		log.Warn("ignoring unreadable destination file", logx.String("path", s.path), logx.Err(err))
		return s, nil
	}
	s.cur = t
	return s, nil
}

// Get returns the destination and whether one is set.
func (s *State) Get() (kit.ChatTarget, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur, !s.cur.IsZero()
}

// Set persists t and then makes it current.
func (s *State) Set(t kit.ChatTarget) error {
	if t.IsZero() {
		return errors.New("destination chat id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		if err := writeAtomic(s.path, []byte(Format(t))); err != nil {
			return fmt.Errorf("persist target: %w", err)
		}
	}
	s.cur = t
	return nil
}

// Format renders t as "chat" or "chat:thread".
func Format(t kit.ChatTarget) string {
	if t.ThreadID > 0 {
		return fmt.Sprintf("%d:%d", t.ChatID, t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// Parse reads "chat" or "chat:thread".
func Parse(s string) (kit.ChatTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return kit.ChatTarget{}, errors.New("empty destination")
	}
	chat, thread, hasThread := strings.Cut(s, ":")
	id, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil || id == 0 {
		return kit.ChatTarget{}, fmt.Errorf("invalid chat id %q", chat)
	}
	t := kit.ChatTarget{ChatID: id}
	if hasThread {
		th, err := strconv.Atoi(strings.TrimSpace(thread))
		if err != nil || th < 0 {
			return kit.ChatTarget{}, fmt.Errorf("invalid thread id %q", thread)
		}
		t.ThreadID = th
	}
	return t, nil
}

func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
