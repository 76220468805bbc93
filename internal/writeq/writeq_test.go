package writeq

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline/fieldbus/internal/model"
	"github.com/gridline/fieldbus/internal/store"
)

type mockStore struct {
	tags     map[uuid.UUID]*model.Tag
	enqueued []model.Value
}

func (m *mockStore) TagByExternalID(_ context.Context, id uuid.UUID) (*model.Tag, error) {
	t, ok := m.tags[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (m *mockStore) EnqueueWrite(_ context.Context, _ int64, v model.Value) error {
	m.enqueued = append(m.enqueued, v)
	return nil
}

func newMockStore(tags ...*model.Tag) *mockStore {
	m := &mockStore{tags: make(map[uuid.UUID]*model.Tag)}
	for _, t := range tags {
		m.tags[t.ExternalID] = t
	}
	return m
}

func holdingTag() *model.Tag {
	return &model.Tag{
		ID:         1,
		ExternalID: uuid.New(),
		Alias:      "setpoint",
		Channel:    model.ChannelHoldingRegister,
		DataType:   model.TypeInt16,
		ReadAmount: 1,
	}
}

func TestEnqueueValidWrite(t *testing.T) {
	tag := holdingTag()
	st := newMockStore(tag)
	svc := New(st)

	got, err := svc.Enqueue(context.Background(), tag.ExternalID, model.Int(42))
	require.NoError(t, err)
	assert.Equal(t, tag.ID, got.ID)
	require.Len(t, st.enqueued, 1)
	assert.True(t, st.enqueued[0].Equal(model.Int(42)))
}

func TestEnqueueUnknownTag(t *testing.T) {
	svc := New(newMockStore())

	_, err := svc.Enqueue(context.Background(), uuid.New(), model.Int(1))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnqueueReadOnlyChannel(t *testing.T) {
	tag := holdingTag()
	tag.Channel = model.ChannelInputRegister
	st := newMockStore(tag)
	svc := New(st)

	_, err := svc.Enqueue(context.Background(), tag.ExternalID, model.Int(1))
	assert.ErrorIs(t, err, ErrNotWritable)
	assert.Empty(t, st.enqueued)
}

func TestEnqueueRejectsUnencodableValue(t *testing.T) {
	tag := holdingTag()
	st := newMockStore(tag)
	svc := New(st)

	// 70000 overflows int16; the queue must refuse it up front.
	_, err := svc.Enqueue(context.Background(), tag.ExternalID, model.Int(70000))
	assert.Error(t, err)
	assert.Empty(t, st.enqueued)
}

func TestEnqueueCoilBits(t *testing.T) {
	tag := holdingTag()
	tag.Channel = model.ChannelCoil
	tag.DataType = model.TypeBool
	tag.ReadAmount = 2
	st := newMockStore(tag)
	svc := New(st)

	_, err := svc.Enqueue(context.Background(), tag.ExternalID,
		model.List(model.Bool(true), model.Bool(false)))
	require.NoError(t, err)
	require.Len(t, st.enqueued, 1)

	// Wrong list length is rejected.
	_, err = svc.Enqueue(context.Background(), tag.ExternalID, model.List(model.Bool(true)))
	assert.Error(t, err)
}
