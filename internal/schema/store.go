package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const fileExt = ".json"

var hostPattern = regexp.MustCompile(`^[a-zA-Z0-9.-]+(:[0-9]+)?$`)

// ErrInvalidHost is returned for host keys that cannot name a schema file.
var ErrInvalidHost = errors.New("invalid schema host")

// Store serves schemas from a directory holding one <host>.json per domain.
// Parsed schemas are cached until the file changes or Reload is called.
type Store struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*Schema
}

// NewStore creates dir if needed and returns a store rooted there.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("schema dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create schema dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:    dir,
		logger: logger.Named("schema_store"),
		cache:  make(map[string]*Schema),
	}, nil
}

// Load returns the schema for host, reading it from disk on a cache miss.
func (s *Store) Load(host string) (*Schema, error) {
	host, err := normalizeHost(host)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	cached, ok := s.cache[host]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return s.read(host)
}

// Lookup is Load with misses and malformed documents reported as absent.
func (s *Store) Lookup(host string) (*Schema, bool) {
	sch, err := s.Load(host)
	if err != nil {
		if !errors.Is(err, crawler.ErrNotFound) {
			s.logger.Warn("schema unavailable", zap.String("host", host), zap.Error(err))
		}
		return nil, false
	}
	return sch, true
}

// Raw returns the stored document for host.
func (s *Store) Raw(host string) (json.RawMessage, error) {
	sch, err := s.Load(host)
	if err != nil {
		return nil, err
	}
	return sch.Raw(), nil
}

// Save validates raw and writes it as the schema for host.
func (s *Store) Save(host string, raw json.RawMessage) error {
	host, err := normalizeHost(host)
	if err != nil {
		return err
	}
	sch, err := Parse(raw)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return fmt.Errorf("format schema: %w", err)
	}
	pretty.WriteByte('\n')

	path := s.path(host)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pretty.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write schema %s: %w", host, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit schema %s: %w", host, err)
	}

	s.mu.Lock()
	s.cache[host] = sch
	s.mu.Unlock()
	s.logger.Info("schema saved", zap.String("host", host))
	return nil
}

// Reload drops the cached schema for host and reads it again.
func (s *Store) Reload(host string) (*Schema, error) {
	host, err := normalizeHost(host)
	if err != nil {
		return nil, err
	}
	s.evict(host)
	return s.read(host)
}

// Hosts lists every host with a schema file.
func (s *Store) Hosts() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	hosts := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != fileExt {
			continue
		}
		hosts = append(hosts, strings.TrimSuffix(entry.Name(), fileExt))
	}
	sort.Strings(hosts)
	return hosts, nil
}

// Watch reloads schemas whose files are written and evicts removed ones
// until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create schema watcher: %w", err)
	}
	defer func() {
		if cerr := watcher.Close(); cerr != nil {
			s.logger.Warn("close schema watcher", zap.Error(cerr))
		}
	}()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch schema dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if filepath.Ext(name) != fileExt {
				continue
			}
			host := strings.TrimSuffix(name, fileExt)
			s.logger.Debug("schema changed", zap.String("host", host), zap.String("op", event.Op.String()))
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				s.evict(host)
				continue
			}
			if _, rerr := s.Reload(host); rerr != nil {
				s.logger.Warn("reload schema", zap.String("host", host), zap.Error(rerr))
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("schema watcher error", zap.Error(werr))
		}
	}
}

func (s *Store) read(host string) (*Schema, error) {
	data, err := os.ReadFile(s.path(host))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("schema %s: %w", host, crawler.ErrNotFound)
		}
		return nil, fmt.Errorf("read schema %s: %w", host, err)
	}
	sch, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", host, err)
	}
	if scripts := sch.ScriptSelectors(); len(scripts) > 0 {
		s.logger.Warn("schema has script selectors; they evaluate to null",
			zap.String("host", host), zap.Strings("paths", scripts))
	}
	s.mu.Lock()
	s.cache[host] = sch
	s.mu.Unlock()
	return sch, nil
}

func (s *Store) evict(host string) {
	s.mu.Lock()
	delete(s.cache, host)
	s.mu.Unlock()
}

func (s *Store) path(host string) string {
	return filepath.Join(s.dir, host+fileExt)
}

func normalizeHost(host string) (string, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if !hostPattern.MatchString(host) || strings.Contains(host, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	return host, nil
}
