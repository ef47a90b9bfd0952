package overuse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/storage"
)

const latestKeyPrefix = "overuse/latest/"

func latestKey(c ComponentType) string {
	return latestKeyPrefix + strings.ToLower(c.String())
}

// SaveLatest stores one record per component config.
func SaveLatest(s storage.Store, configs []ResourceOveruseConfiguration) error {
	for _, cfg := range configs {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode %s config: %w", cfg.ComponentType, err)
		}
		if err := s.Put(latestKey(cfg.ComponentType), data); err != nil {
			return fmt.Errorf("store %s config: %w", cfg.ComponentType, err)
		}
	}
	return nil
}

// LoadLatest returns the configs saved by SaveLatest, ordered by component.
// A store without saved configs yields none.
func LoadLatest(s storage.Store) ([]ResourceOveruseConfiguration, error) {
	var out []ResourceOveruseConfiguration
	for _, comp := range Components {
		data, err := s.Get(latestKey(comp))
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s config: %w", comp, err)
		}
		var cfg ResourceOveruseConfiguration
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", comp, err)
		}
		out = append(out, cfg)
	}
	slices.SortStableFunc(out, func(a, b ResourceOveruseConfiguration) int {
		return int(a.ComponentType) - int(b.ComponentType)
	})
	return out, nil
}
