package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/db"
)

// ErrUnknownRecipient is returned for user ids missing from the directory.
var ErrUnknownRecipient = errors.New("unknown notification recipient")

type directoryPG struct{ pool *pgxpool.Pool }

// NewDirectoryPG reads contacts from the app_user table.
func NewDirectoryPG(pool *pgxpool.Pool) Directory { return &directoryPG{pool: pool} }

func (d *directoryPG) Lookup(ctx context.Context, userID uuid.UUID) (*Contact, error) {
	c := Contact{UserID: userID}
	err := db.Conn(ctx, d.pool).QueryRow(ctx,
		`SELECT full_name, email, push_token FROM app_user WHERE id = $1`, userID).
		Scan(&c.FullName, &c.Email, &c.PushToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup recipient %s: %w", userID, err)
	}
	return &c, nil
}
