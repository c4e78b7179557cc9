package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileLogStore appends log rows to a JSONL file and keeps the most recent rows in memory
type FileLogStore struct {
	file       *os.File
	mu         sync.RWMutex
	entryCache []cachedEntry // Recent entries cache for faster queries
	cacheSize  int
	fileOpts   FileOptions
}

type cachedEntry struct {
	entry LogEntry
	ts    time.Time
}

type FileOptions struct {
	FilePath  string `json:"file_path"`
	CacheSize int    `json:"cache_size,omitempty"`
}

// NewFileLogStore creates a new file-based log store
func NewFileLogStore(config *Config) (*FileLogStore, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file log options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file log store")
	}
	if fileOpts.CacheSize <= 0 {
		fileOpts.CacheSize = 1000
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogStore{
		file:       file,
		fileOpts:   fileOpts,
		entryCache: make([]cachedEntry, 0),
		cacheSize:  fileOpts.CacheSize,
	}, nil
}

// Insert writes a row in JSONL format and updates the cache
func (fl *FileLogStore) Insert(_ context.Context, entry LogEntry) (string, error) {
	entry, err := prepareEntry(entry, uuid.NewString)
	if err != nil {
		return "", err
	}
	ts, _ := ParseLogTime(entry.AccessedAt)

	fl.mu.Lock()
	defer fl.mu.Unlock()

	// reopen in case a previous Close released the file
	if err = fl.ensureFileOpen(); err != nil {
		return "", err
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to serialize log entry: %w", err)
	}

	if _, err = fl.file.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("failed to write log entry: %w", err)
	}

	if err = fl.file.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.updateCache(cachedEntry{entry: entry, ts: ts})
	return entry.ID, nil
}

// updateCache adds an entry to the cache and maintains the size limit
func (fl *FileLogStore) updateCache(ce cachedEntry) {
	fl.entryCache = append(fl.entryCache, ce)

	if len(fl.entryCache) > fl.cacheSize {
		// Remove oldest entries, keep newest
		fl.entryCache = fl.entryCache[len(fl.entryCache)-fl.cacheSize:]
	}
}

func (fl *FileLogStore) Query(ctx context.Context, options QueryOptions) ([]LogEntry, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	var matched []cachedEntry
	if fl.canUseCacheForQuery(options) {
		matched = fl.queryFromCache(options)
	} else {
		var err error
		if matched, err = fl.queryFromFile(ctx, options); err != nil {
			return nil, err
		}
	}

	// Sort by timestamp (newest first)
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ts.After(matched[j].ts)
	})

	return paginate(matched, options.Offset, options.Limit), nil
}

// canUseCacheForQuery determines if the cache covers the requested time range.
// The cache only holds rows written by this process, so it never serves unbounded queries.
func (fl *FileLogStore) canUseCacheForQuery(options QueryOptions) bool {
	if len(fl.entryCache) == 0 || options.Since == nil {
		return false
	}
	return !options.Since.Before(fl.entryCache[0].ts)
}

func (fl *FileLogStore) queryFromCache(options QueryOptions) []cachedEntry {
	var filtered []cachedEntry
	for _, ce := range fl.entryCache {
		if matchesFilter(ce.entry, ce.ts, options) {
			filtered = append(filtered, ce)
		}
	}
	return filtered
}

func (fl *FileLogStore) queryFromFile(ctx context.Context, options QueryOptions) ([]cachedEntry, error) {
	file, err := os.Open(fl.fileOpts.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var entries []cachedEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry LogEntry
		if err = json.Unmarshal([]byte(line), &entry); err != nil {
			// skip lines that are not log rows
			continue
		}
		ts, err := ParseLogTime(entry.AccessedAt)
		if err != nil {
			// unparseable rows are still returned so the normalizer can count them
			ts = time.Time{}
		}
		if matchesFilter(entry, ts, options) {
			entries = append(entries, cachedEntry{entry: entry, ts: ts})
		}
	}

	if err = scanner.Err(); err != nil {
		return entries, fmt.Errorf("error reading audit log file: %w", err)
	}
	return entries, nil
}

func paginate(matched []cachedEntry, offset, limit int) []LogEntry {
	start := offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]LogEntry, 0, end-start)
	for _, ce := range matched[start:end] {
		out = append(out, ce.entry)
	}
	return out
}

func (fl *FileLogStore) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		err := fl.file.Close()
		fl.file = nil
		return err
	}
	return nil
}

func (fl *FileLogStore) ensureFileOpen() error {
	if fl.file == nil {
		var err error
		fl.file, err = os.OpenFile(fl.fileOpts.FilePath,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to reopen audit log: %w", err)
		}
	}
	return nil
}
