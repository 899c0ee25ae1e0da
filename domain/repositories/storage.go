package repositories

import (
	"context"

	"github.com/satriahrh/callbridge/domain/entities"
)

// SessionArchive persists ended sessions
type SessionArchive interface {
	Save(ctx context.Context, session entities.Session) error
	GetByID(ctx context.Context, id string) (*entities.Session, error)
	ListByCallID(ctx context.Context, callID string) ([]entities.Session, error)
}
