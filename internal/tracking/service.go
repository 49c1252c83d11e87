package tracking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raybit/mailmate/internal/store"
)

// Service records email opens against tracked messages. Open transitions are
// first-write-wins: replaying a tracking URL never moves openedAt.
type Service struct {
	messages store.MessageStore
}

func NewService(messages store.MessageStore) *Service {
	return &Service{messages: messages}
}

// GenerateTrackingID returns a new opaque tracking token. The millisecond
// prefix keeps tokens roughly sortable in logs; the uuid suffix makes them
// unguessable enough that an open cannot be forged by enumeration.
func (s *Service) GenerateTrackingID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), suffix)
}

// RecordOpen marks the message for trackingID as opened. The first call
// returns true; later calls return false with no error. Unknown tokens
// return store.ErrNotFound.
func (s *Service) RecordOpen(ctx context.Context, trackingID string) (bool, error) {
	return s.messages.MarkOpened(ctx, trackingID, time.Now().UTC())
}

// Lookup returns the tracked message for a token, or store.ErrNotFound.
func (s *Service) Lookup(ctx context.Context, trackingID string) (*store.TrackedMessage, error) {
	return s.messages.FindByTrackingID(ctx, trackingID)
}
