// Package persistence writes one JSON file per review under a project-local
// directory, and optionally archives review records and memory events into
// Postgres for cross-restart queryability — grounded on the teacher's
// temp-file-then-rename local archiver, generalized from traces/audit
// events to review records.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/squall-dispatch/squall/pkg/models"
)

var persistCounter atomic.Uint64

// Store writes reviews to a project-local directory and, when an archive is
// configured, mirrors them into Postgres. A Postgres outage degrades to
// file-only with a logged warning — it never blocks or loses the file write.
type Store struct {
	baseDir string
	archive Archiver
}

// Archiver is the optional durable-archive side of persistence.
type Archiver interface {
	ArchiveReview(record models.ReviewRecord) error
	ArchiveEvent(event models.MemoryEvent) error
	Close() error
}

func NewStore(workingDirectory string, archive Archiver) *Store {
	base := workingDirectory
	if base == "" {
		base = "."
	}
	return &Store{baseDir: filepath.Join(base, ".squall", "reviews"), archive: archive}
}

// PersistReview writes record to <baseDir>/<unix-millis>_<pid>_<seq>_<uuid8>.json
// via temp-file-then-rename, then mirrors to the archive (best-effort) if
// one is configured, and returns the absolute path for the caller.
func (s *Store) PersistReview(record models.ReviewRecord) (string, error) {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create reviews dir: %w", err)
	}

	ts := time.Now().UnixMilli()
	pid := os.Getpid()
	seq := persistCounter.Add(1)
	id := uuid.New().String()[:8]
	filename := fmt.Sprintf("%d_%d_%d_%s.json", ts, pid, seq, id)
	path := filepath.Join(s.baseDir, filename)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal review record: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write temp review file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename review file: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	if s.archive != nil {
		if err := s.archive.ArchiveReview(record); err != nil {
			log.Warn().Err(err).Msg("postgres archive unavailable, review stayed file-only")
		}
	}

	return absPath, nil
}
