package config

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// fingerprint identifies a decoded config so Watch can ignore writes that
// only touched comments, key order or formatting. 0 means unknown.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}
