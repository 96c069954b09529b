package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncstress/internal/stats"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func report(id string, started time.Time) *stats.RunReport {
	return &stats.RunReport{
		RunID:     id,
		Status:    stats.StatusCompleted,
		StartedAt: started,
		TotalOps:  10,
		Writes:    stats.OpStats{Errors: map[string]uint64{"TransportTimeout": 1}},
	}
}

func TestStore_SaveListNewestFirst(t *testing.T) {
	s := openTemp(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Saved out of order on purpose.
	require.NoError(t, s.Save(report("zzz", base)))
	require.NoError(t, s.Save(report("aaa", base.Add(2*time.Hour))))
	require.NoError(t, s.Save(report("mmm", base.Add(time.Hour))))

	all, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"aaa", "mmm", "zzz"}, []string{all[0].RunID, all[1].RunID, all[2].RunID})

	two, err := s.List(2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestStore_Get(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Save(report("r1", time.Now())))

	got, err := s.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.TotalOps)
	assert.Equal(t, uint64(1), got.Writes.Errors["TransportTimeout"])

	_, err = s.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_SaveReplaces(t *testing.T) {
	s := openTemp(t)
	first := report("r1", time.Now())
	require.NoError(t, s.Save(first))

	second := report("r1", first.StartedAt.Add(time.Minute))
	second.TotalOps = 99
	require.NoError(t, s.Save(second))

	all, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, uint64(99), all[0].TotalOps)
}

func TestStore_Delete(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Save(report("r1", time.Now())))
	require.NoError(t, s.Delete("r1"))

	_, err := s.Get("r1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.Delete("r1"), ErrNotFound))
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(report("keep", time.Now())))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get("keep")
	require.NoError(t, err)
	assert.Equal(t, "keep", got.RunID)
}

func TestStore_SaveRequiresID(t *testing.T) {
	s := openTemp(t)
	assert.Error(t, s.Save(&stats.RunReport{}))
	assert.Error(t, s.Save(nil))
}
