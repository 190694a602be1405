package build

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedBuild(t *testing.T, s *MemStore, id, projectID string, status Status, createdAt time.Time) {
	t.Helper()
	require.NoError(t, s.Create(Build{
		ID:        id,
		ProjectID: projectID,
		Status:    status,
		CreatedAt: createdAt,
	}))
}

func TestMemStoreCreateGet(t *testing.T) {
	s := NewMemStore()
	seedBuild(t, s, "b1", "p1", StatusPending, time.Now().UTC())

	b, err := s.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreListOrdering(t *testing.T) {
	s := NewMemStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedBuild(t, s, "old", "p1", StatusPending, base)
	seedBuild(t, s, "new", "p1", StatusPending, base.Add(time.Hour))

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "new", all[0].ID, "List is newest first")

	pending, err := s.ListByStatus(StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "old", pending[0].ID, "ListByStatus is oldest first")
}

func TestMemStoreUpdateTerminalGuard(t *testing.T) {
	s := NewMemStore()
	seedBuild(t, s, "b1", "p1", StatusCancelled, time.Now().UTC())

	_, err := s.Update("b1", func(b *Build) error {
		b.Status = StatusFailed
		return nil
	})
	assert.ErrorIs(t, err, ErrTerminal)

	b, err := s.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, b.Status, "terminal status must not regress")

	// Non-status fields of a terminal build stay mutable.
	updated, err := s.Update("b1", func(b *Build) error {
		b.ErrorMessage = "note"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "note", updated.ErrorMessage)
}

func TestMemStoreNextBuildNumber(t *testing.T) {
	s := NewMemStore()
	n, err := s.NextBuildNumber("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Create(Build{ID: "b1", ProjectID: "p1", BuildNumber: 4, CreatedAt: time.Now().UTC()}))
	require.NoError(t, s.Create(Build{ID: "b2", ProjectID: "p2", BuildNumber: 9, CreatedAt: time.Now().UTC()}))

	n, err = s.NextBuildNumber("p1")
	require.NoError(t, err)
	assert.Equal(t, 5, n, "numbering is per project")
}

func TestMemStoreLogsOrder(t *testing.T) {
	s := NewMemStore()
	seedBuild(t, s, "b1", "p1", StatusBuilding, time.Now().UTC())

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, s.AppendLog(LogEntry{BuildID: "b1", Level: LevelInfo, Message: msg}))
	}

	logs, err := s.Logs("b1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, "third", logs[2].Message)

	recent, err := s.RecentLogs("b1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "third", recent[0].Message, "RecentLogs is newest first")

	assert.ErrorIs(t, s.AppendLog(LogEntry{BuildID: "missing"}), ErrNotFound)
}

func TestMemStoreSubscribeReplaysAndStreams(t *testing.T) {
	s := NewMemStore()
	seedBuild(t, s, "b1", "p1", StatusBuilding, time.Now().UTC())
	require.NoError(t, s.AppendLog(LogEntry{BuildID: "b1", Message: "existing"}))

	ch, err := s.Subscribe("b1")
	require.NoError(t, err)

	entry := <-ch
	assert.Equal(t, "existing", entry.Message)

	require.NoError(t, s.AppendLog(LogEntry{BuildID: "b1", Message: "live"}))
	entry = <-ch
	assert.Equal(t, "live", entry.Message)

	s.CloseSubscribers("b1")
	_, open := <-ch
	assert.False(t, open)
}

func TestMemStoreDelete(t *testing.T) {
	s := NewMemStore()
	seedBuild(t, s, "b1", "p1", StatusFailed, time.Now().UTC())

	require.NoError(t, s.Delete("b1"))
	assert.ErrorIs(t, s.Delete("b1"), ErrNotFound)
}
