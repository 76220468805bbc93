package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline/fieldbus/internal/store"
)

type mockStore struct {
	retention []store.RetentionTag

	historyCutoffs map[int64]time.Time
	writeCutoff    time.Time
	alarmCutoff    time.Time
}

func (m *mockStore) TagsWithRetention(context.Context) ([]store.RetentionTag, error) {
	return m.retention, nil
}

func (m *mockStore) PruneHistory(_ context.Context, tagID int64, cutoff time.Time) (int64, error) {
	if m.historyCutoffs == nil {
		m.historyCutoffs = make(map[int64]time.Time)
	}
	m.historyCutoffs[tagID] = cutoff
	return 3, nil
}

func (m *mockStore) DeleteProcessedWrites(_ context.Context, olderThan time.Time) (int64, error) {
	m.writeCutoff = olderThan
	return 1, nil
}

func (m *mockStore) DeleteInactiveAlarms(_ context.Context, olderThan time.Time) (int64, error) {
	m.alarmCutoff = olderThan
	return 1, nil
}

func TestPassPrunesPerTagRetention(t *testing.T) {
	st := &mockStore{
		retention: []store.RetentionTag{
			{ID: 1, Retention: time.Hour},
			{ID: 2, Retention: 24 * time.Hour},
		},
	}
	r := NewRunner(st, time.Minute, time.Hour, 24*time.Hour)
	now := time.Now()

	r.Pass(context.Background(), now)

	require.Len(t, st.historyCutoffs, 2)
	assert.Equal(t, now.Add(-time.Hour), st.historyCutoffs[1])
	assert.Equal(t, now.Add(-24*time.Hour), st.historyCutoffs[2])
	assert.Equal(t, now.Add(-time.Hour), st.writeCutoff)
	assert.Equal(t, now.Add(-24*time.Hour), st.alarmCutoff)
}

func TestPassWithNoRetentionTags(t *testing.T) {
	st := &mockStore{}
	r := NewRunner(st, time.Minute, time.Hour, time.Hour)
	now := time.Now()

	r.Pass(context.Background(), now)

	assert.Empty(t, st.historyCutoffs)
	assert.False(t, st.writeCutoff.IsZero())
}
