// Package videostore holds raw recorded bytes between capture and
// confirmed upload: an in-memory fast path plus a durable chunked
// fallback that survives process restarts.
package videostore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// QuotaError reports insufficient free space for an upcoming capture.
type QuotaError struct {
	AvailableMB int64
	RequiredMB  int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("insufficient storage: %dMB available, %dMB required", e.AvailableMB, e.RequiredMB)
}

// Store maps recording ids to their binary content. The in-memory map is
// the primary path; the chunk directory is only consulted when the map
// has no entry (post-restart recovery).
type Store struct {
	mu     sync.Mutex
	mem    map[string][]byte
	dir    string
	logger *zap.Logger
}

// New creates a store rooted at dir (created if absent).
func New(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create video store dir: %w", err)
	}
	return &Store{
		mem:    make(map[string][]byte),
		dir:    dir,
		logger: logger,
	}, nil
}

// Put stores a complete blob in memory for instant handoff to the upload queue.
func (s *Store) Put(recordingID string, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem[recordingID] = blob
}

// HasLive reports whether an in-memory blob exists for the recording.
// Durable chunks do not count: a restart turns a live reference into a
// recoverable-but-not-live one.
func (s *Store) HasLive(recordingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.mem[recordingID]
	return ok
}

// SaveChunk appends one capture piece to the durable fallback. Written
// incrementally during capture so a crash loses at most the last
// unflushed piece.
func (s *Store) SaveChunk(recordingID string, chunkIndex int, data []byte) error {
	dir := s.chunkDir(recordingID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("chunk_%04d", chunkIndex))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write chunk %d: %w", chunkIndex, err)
	}
	s.logger.Debug("capture chunk persisted",
		zap.String("recording_id", recordingID),
		zap.Int("chunk_index", chunkIndex),
		zap.Int("size", len(data)),
	)
	return nil
}

// Get resolves a blob: memory first, then reassembly from durable chunks.
// The second return reports whether anything was found.
func (s *Store) Get(recordingID string) ([]byte, bool, error) {
	s.mu.Lock()
	if blob, ok := s.mem[recordingID]; ok {
		s.mu.Unlock()
		return blob, true, nil
	}
	s.mu.Unlock()

	blob, err := s.reassemble(recordingID)
	if err != nil {
		return nil, false, err
	}
	if blob == nil {
		return nil, false, nil
	}
	s.logger.Info("blob recovered from durable store",
		zap.String("recording_id", recordingID),
		zap.Int("size", len(blob)),
	)
	return blob, true, nil
}

// Delete evicts a recording from memory and removes its durable chunks.
// Called only after confirmed upload completion or an explicit retake.
func (s *Store) Delete(recordingID string) error {
	s.mu.Lock()
	delete(s.mem, recordingID)
	s.mu.Unlock()

	dir := s.chunkDir(recordingID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove chunk dir: %w", err)
	}
	return nil
}

// Clear wipes all stored blobs, memory and durable. Used by the
// corruption fail-safe.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.mem = make(map[string][]byte)
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read video store dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

// CheckQuota verifies free space before capture begins. Returns a
// *QuotaError when the filesystem holding the store has less than
// requiredMB available.
func (s *Store) CheckQuota(requiredMB int64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.dir, &stat); err != nil {
		// Cannot measure; do not block capture on a stat failure.
		s.logger.Warn("storage quota check failed", zap.Error(err))
		return nil
	}
	availableMB := int64(stat.Bavail) * stat.Bsize / (1024 * 1024)
	if availableMB < requiredMB {
		return &QuotaError{AvailableMB: availableMB, RequiredMB: requiredMB}
	}
	return nil
}

func (s *Store) chunkDir(recordingID string) string {
	return filepath.Join(s.dir, recordingID)
}

func (s *Store) reassemble(recordingID string) ([]byte, error) {
	dir := s.chunkDir(recordingID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "chunk_") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)

	var blob []byte
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		blob = append(blob, data...)
	}
	return blob, nil
}
