// Package writeq validates operator and schedule writes before they enter
// the persistent queue. Actual delivery to the device happens in the poll
// engine, which drains the queue at the start of each device cycle.
package writeq

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gridline/fieldbus/internal/codec"
	"github.com/gridline/fieldbus/internal/model"
)

// ErrNotWritable means the target tag lives on a read-only channel.
var ErrNotWritable = errors.New("writeq: tag channel is not writable")

// Store is the persistence surface the service needs.
type Store interface {
	TagByExternalID(ctx context.Context, externalID uuid.UUID) (*model.Tag, error)
	EnqueueWrite(ctx context.Context, tagID int64, v model.Value) error
}

// Service accepts write requests on behalf of the API and the scheduler.
type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// Enqueue resolves a tag by its public id, validates the request and
// appends it to the queue. The value is checked for encodability up front
// so callers get an immediate error instead of a silently dropped write.
func (s *Service) Enqueue(ctx context.Context, externalID uuid.UUID, v model.Value) (*model.Tag, error) {
	tag, err := s.store.TagByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if err := s.EnqueueForTag(ctx, tag, v); err != nil {
		return nil, err
	}
	return tag, nil
}

// EnqueueForTag validates and enqueues a write for an already-resolved
// tag. The scheduler uses this path.
func (s *Service) EnqueueForTag(ctx context.Context, tag *model.Tag, v model.Value) error {
	if !tag.Writable() {
		return fmt.Errorf("%w: %s is a %s tag", ErrNotWritable, tag.Alias, tag.Channel)
	}

	// Dry-run the encoding against a neutral word order. Word order only
	// permutes registers, so encodability does not depend on it.
	if tag.Channel.Bit() {
		_, err := codec.EncodeBits(v, tag.ReadAmount)
		if err != nil {
			return err
		}
	} else {
		_, err := codec.EncodeRegisters(v, tag.DataType, model.WordOrderBig, tag.ReadAmount)
		if err != nil {
			return err
		}
	}

	return s.store.EnqueueWrite(ctx, tag.ID, v)
}
