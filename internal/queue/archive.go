package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tt2tg/internal/item"
	logx "tt2tg/pkg/logx"
)

const archiveStamp = "20060102-150405"

// archiver names archive snapshots <base>-YYYYMMDD-HHMMSS.json inside dir.
type archiver struct {
	dir  string
	base string
	now  func() time.Time
}

func newArchiver(dir, storePath string) archiver {
	base := filepath.Base(storePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return archiver{dir: dir, base: base, now: time.Now}
}

// reserve creates an empty, previously non-existent archive file and returns
// its path. A name taken by an earlier archive gets a numeric suffix; an
// archive is never overwritten.
func (a archiver) reserve() (string, *os.File, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", nil, err
	}
	stem := a.base + "-" + a.now().Format(archiveStamp)
	for i := 0; i < 1000; i++ {
		name := stem + ".json"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.json", stem, i)
		}
		p := filepath.Join(a.dir, name)
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return p, f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("no free archive name for %s", stem)
}

// moveInto moves src to a freshly reserved archive path. Cross-device moves
// fall back to copy + remove.
func (a archiver) moveInto(src string) (string, error) {
	dst, f, err := a.reserve()
	if err != nil {
		return "", err
	}
	_ = f.Close()
	if err := os.Rename(src, dst); err == nil {
		syncDir(a.dir)
		return dst, nil
	}
	b, err := os.ReadFile(src)
	if err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	if err := writeSynced(dst, b); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return dst, fmt.Errorf("archived to %s but could not remove %s: %w", dst, src, err)
	}
	return dst, nil
}

// writeSnapshot writes b into a freshly reserved archive path.
func (a archiver) writeSnapshot(b []byte) (string, error) {
	dst, f, err := a.reserve()
	if err != nil {
		return "", err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	syncDir(a.dir)
	return dst, nil
}

// encodeItems renders the on-disk format: a JSON array indented by four
// spaces.
func encodeItems(items []item.Item) ([]byte, error) {
	if items == nil {
		items = []item.Item{}
	}
	b, err := json.MarshalIndent(items, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// decodeItems parses a queue file. Undecodable content yields no items and
// ok=false; single undecodable elements are dropped with a warning.
func decodeItems(b []byte, log logx.Logger, path string) (items []item.Item, ok bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, true
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		log.Warn("queue file unreadable; treating as empty", logx.String("path", path), logx.Err(err))
		return nil, false
	}
	items = make([]item.Item, 0, len(raw))
	for i, r := range raw {
		var it item.Item
		if err := json.Unmarshal(r, &it); err != nil {
			log.Warn("dropping undecodable queue entry", logx.String("path", path), logx.Int("index", i), logx.Err(err))
			continue
		}
		items = append(items, it)
	}
	return items, true
}

// writeFileAtomic replaces path with b via temp file, fsync and rename.
func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	syncDir(dir)
	return nil
}

func writeSynced(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// syncDir is best-effort; some platforms cannot fsync a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
