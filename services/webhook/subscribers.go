package webhook

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadSubscribers reads the subscriber list from a JSON file. An empty
// path means no subscribers are configured.
func LoadSubscribers(path string) ([]Subscriber, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subscribers file: %w", err)
	}

	var subscribers []Subscriber
	if err := json.Unmarshal(data, &subscribers); err != nil {
		return nil, fmt.Errorf("failed to parse subscribers file: %w", err)
	}

	for i, sub := range subscribers {
		if sub.URL == "" {
			return nil, fmt.Errorf("subscriber %d has no url", i)
		}
		if sub.Secret == "" {
			return nil, fmt.Errorf("subscriber %d has no secret", i)
		}
	}

	return subscribers, nil
}
