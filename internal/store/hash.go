package store

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/newswire/internal/scrape"
)

// RunHash derives the grouping key for every run of one unit on one queue.
// encoding/json sorts map keys, so the digest input is canonical.
func RunHash(hasher scrape.Hasher, queueType scrape.QueueType, unitKey string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"type":                 string(queueType),
		scrape.ArgumentUnitKey: unitKey,
	})
	if err != nil {
		return "", fmt.Errorf("marshal hash input: %w", err)
	}
	sum, err := hasher.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("hash run key: %w", err)
	}
	return sum, nil
}
