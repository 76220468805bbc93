package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline/fieldbus/internal/model"
)

type mockStore struct {
	entries []model.HistoryEntry
	stamped []int64
}

func (m *mockStore) AppendHistory(_ context.Context, entries []model.HistoryEntry) error {
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *mockStore) SetLastHistoryAt(_ context.Context, tagIDs []int64, _ time.Time) error {
	m.stamped = append(m.stamped, tagIDs...)
	return nil
}

func tagWithInterval(id int64, interval time.Duration, last *time.Time) *model.Tag {
	return &model.Tag{
		ID:               id,
		Alias:            "t",
		HistoryInterval:  interval,
		HistoryRetention: 24 * time.Hour,
		LastHistoryAt:    last,
	}
}

func TestSampleFirstObservationRecords(t *testing.T) {
	st := &mockStore{}
	s := NewSampler(st)
	now := time.Now()

	err := s.Sample(context.Background(), []Observation{
		{Tag: tagWithInterval(1, time.Minute, nil), Value: model.Int(7)},
	}, now)
	require.NoError(t, err)

	require.Len(t, st.entries, 1)
	assert.Equal(t, int64(1), st.entries[0].TagID)
	assert.Equal(t, now, st.entries[0].Timestamp)
	assert.Equal(t, []int64{1}, st.stamped)
}

func TestSampleThrottlesWithinInterval(t *testing.T) {
	st := &mockStore{}
	s := NewSampler(st)
	now := time.Now()
	recent := now.Add(-30 * time.Second)

	err := s.Sample(context.Background(), []Observation{
		{Tag: tagWithInterval(1, time.Minute, &recent), Value: model.Int(7)},
	}, now)
	require.NoError(t, err)
	assert.Empty(t, st.entries)
	assert.Empty(t, st.stamped)
}

func TestSampleRecordsAfterIntervalElapses(t *testing.T) {
	st := &mockStore{}
	s := NewSampler(st)
	now := time.Now()
	old := now.Add(-time.Minute)

	err := s.Sample(context.Background(), []Observation{
		{Tag: tagWithInterval(1, time.Minute, &old), Value: model.Int(7)},
	}, now)
	require.NoError(t, err)
	assert.Len(t, st.entries, 1)
}

func TestSampleSkipsZeroInterval(t *testing.T) {
	st := &mockStore{}
	s := NewSampler(st)

	err := s.Sample(context.Background(), []Observation{
		{Tag: tagWithInterval(1, 0, nil), Value: model.Int(7)},
	}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, st.entries)
}

func TestSampleSkipsZeroRetention(t *testing.T) {
	st := &mockStore{}
	s := NewSampler(st)

	// A positive interval alone must not record: without a retention
	// window the entries would never be pruned.
	tag := tagWithInterval(1, 5*time.Second, nil)
	tag.HistoryRetention = 0

	err := s.Sample(context.Background(), []Observation{
		{Tag: tag, Value: model.Int(42)},
	}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, st.entries)
	assert.Empty(t, st.stamped)
}

func TestSampleBatchesMixedTags(t *testing.T) {
	st := &mockStore{}
	s := NewSampler(st)
	now := time.Now()
	recent := now.Add(-time.Second)

	err := s.Sample(context.Background(), []Observation{
		{Tag: tagWithInterval(1, time.Minute, nil), Value: model.Int(1)},
		{Tag: tagWithInterval(2, time.Minute, &recent), Value: model.Int(2)},
		{Tag: tagWithInterval(3, time.Second, &recent), Value: model.Int(3)},
	}, now)
	require.NoError(t, err)

	require.Len(t, st.entries, 2)
	assert.Equal(t, []int64{1, 3}, st.stamped)
}
