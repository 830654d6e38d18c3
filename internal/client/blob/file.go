package blob

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const blobExt = ".blob"

// FileStore persists each key as one file in a directory and watches the
// directory with fsnotify so writes from other processes surface as external
// change events. Its own writes are suppressed from the event stream.
type FileStore struct {
	dir     string
	watcher *fsnotify.Watcher
	subs    *subscribers

	mu        sync.Mutex
	selfWrite map[string]time.Time

	done chan struct{}
}

// NewFileStore opens (creating if needed) a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create blob watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch blob directory: %w", err)
	}
	s := &FileStore{
		dir:       dir,
		watcher:   watcher,
		subs:      newSubscribers(),
		selfWrite: map[string]time.Time{},
		done:      make(chan struct{}),
	}
	go s.watch()
	return s, nil
}

func encodeKey(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key)) + blobExt
}

func decodeKey(name string) (string, bool) {
	if !strings.HasSuffix(name, blobExt) {
		return "", false
	}
	raw, err := base64.URLEncoding.DecodeString(strings.TrimSuffix(name, blobExt))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, encodeKey(key))
}

func (s *FileStore) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *FileStore) Put(key string, value []byte) error {
	name := encodeKey(key)
	s.markSelfWrite(name)
	// Write-then-rename keeps concurrent readers from seeing partial blobs.
	tmp := filepath.Join(s.dir, name+".tmp")
	s.markSelfWrite(name + ".tmp")
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("failed to write blob %q: %w", key, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("failed to commit blob %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) Delete(key string) error {
	name := encodeKey(key)
	s.markSelfWrite(name)
	err := os.Remove(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if key, ok := decodeKey(e.Name()); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *FileStore) Subscribe(fn func(Event)) func() {
	return s.subs.add(fn)
}

func (s *FileStore) Close() error {
	close(s.done)
	return s.watcher.Close()
}

const selfWriteWindow = 2 * time.Second

func (s *FileStore) markSelfWrite(name string) {
	s.mu.Lock()
	s.selfWrite[name] = time.Now()
	s.mu.Unlock()
}

func (s *FileStore) isSelfWrite(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.selfWrite[name]
	if !ok {
		return false
	}
	if time.Since(at) > selfWriteWindow {
		delete(s.selfWrite, name)
		return false
	}
	return true
}

func (s *FileStore) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if s.isSelfWrite(name) {
				continue
			}
			key, valid := decodeKey(name)
			if !valid {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Remove):
				s.subs.notify(Event{Key: key, Deleted: true})
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename):
				s.subs.notify(Event{Key: key})
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("Blob watcher error", "err", err)
		}
	}
}

var _ Store = (*FileStore)(nil)
