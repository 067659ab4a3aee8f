package ports

import (
	"context"

	"futuresPositionBot/internal/domain"
)

// PositionRepository defines the interface for storing and retrieving logical
// positions. All mutations are transactional: a partial update must never be
// visible to a concurrent reader.
type PositionRepository interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update modifies an existing position in a single transaction.
	Update(ctx context.Context, pos *domain.Position) error
	// Delete removes a position row. Only user actions delete rows; the
	// scheduler never calls this.
	Delete(ctx context.Context, id int64) error
	// FindByID retrieves a position by its unique ID.
	// Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
	// FindOpen retrieves all positions with is_open = true.
	FindOpen(ctx context.Context) ([]*domain.Position, error)
	// FindOpenBySymbolSide retrieves the open position for a
	// (symbol, position_side) pair, if any. Returns nil, nil if none.
	FindOpenBySymbolSide(ctx context.Context, symbol string, positionSide domain.PositionSide) (*domain.Position, error)
	// FindPendingReopen retrieves closed positions with a persisted
	// pending-reopen timestamp, used to reseed the reopen queue on start.
	FindPendingReopen(ctx context.Context) ([]*domain.Position, error)
	// FindAll retrieves all positions, newest first.
	FindAll(ctx context.Context) ([]*domain.Position, error)
}

// SettingsRepository is a generic key -> string store with upsert semantics.
// Missing keys read as the empty string without error so callers can apply
// their own defaults.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}
