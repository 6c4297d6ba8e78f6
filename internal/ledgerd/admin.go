package ledgerd

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/lmsbank/internal/database"
)

// Migrate creates or updates the ledger schema behind databaseURL.
func Migrate(ctx context.Context, databaseURL string) error {
	handle, err := database.Open(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = handle.Close() }()
	return database.Migrate(handle.DB)
}
