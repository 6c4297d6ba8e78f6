package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
)

func encodeMetadata(metadata map[string]any) (string, error) {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ledger.ErrInvalidMetadataJSON, err)
	}
	return string(encoded), nil
}
