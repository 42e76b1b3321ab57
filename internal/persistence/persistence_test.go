package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squall-dispatch/squall/pkg/models"
)

type fakeArchiver struct {
	reviews []models.ReviewRecord
	events  []models.MemoryEvent
	failErr error
	closed  bool
}

func (a *fakeArchiver) ArchiveReview(record models.ReviewRecord) error {
	if a.failErr != nil {
		return a.failErr
	}
	a.reviews = append(a.reviews, record)
	return nil
}
func (a *fakeArchiver) ArchiveEvent(event models.MemoryEvent) error {
	a.events = append(a.events, event)
	return nil
}
func (a *fakeArchiver) Close() error {
	a.closed = true
	return nil
}

func TestPersistReviewWritesJSONFileUnderSquallReviews(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)

	record := models.ReviewRecord{ID: "rev-1", PromptDigest: "abc"}
	path, err := store.PersistReview(record)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".squall", "reviews"), filepath.Dir(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got models.ReviewRecord
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "rev-1", got.ID)
}

func TestPersistReviewLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)

	_, err := store.PersistReview(models.ReviewRecord{ID: "rev-1"})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, ".squall", "reviews"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".tmp", filepath.Ext(e.Name()), "leftover temp file %q", e.Name())
	}
}

func TestPersistReviewEachCallProducesAUniqueFile(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)

	paths := make(map[string]bool)
	for i := 0; i < 5; i++ {
		path, err := store.PersistReview(models.ReviewRecord{ID: fmt.Sprintf("rev-%d", i)})
		require.NoError(t, err)
		assert.False(t, paths[path], "duplicate path %q across calls", path)
		paths[path] = true
	}
}

func TestPersistReviewMirrorsToArchiveWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	archive := &fakeArchiver{}
	store := NewStore(dir, archive)

	_, err := store.PersistReview(models.ReviewRecord{ID: "rev-1"})
	require.NoError(t, err)
	require.Len(t, archive.reviews, 1)
	assert.Equal(t, "rev-1", archive.reviews[0].ID)
}

func TestPersistReviewSurvivesArchiveFailure(t *testing.T) {
	dir := t.TempDir()
	archive := &fakeArchiver{failErr: fmt.Errorf("connection refused")}
	store := NewStore(dir, archive)

	path, err := store.PersistReview(models.ReviewRecord{ID: "rev-1"})
	require.NoError(t, err, "PersistReview should succeed file-only despite the archive failure")
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestNewStoreDefaultsToCurrentDirectoryWhenEmpty(t *testing.T) {
	store := NewStore("", nil)
	assert.Equal(t, filepath.Join(".", ".squall", "reviews"), store.baseDir)
}
