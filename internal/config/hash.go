package config

import (
	"encoding/json"
	"hash/fnv"
)

// fingerprint identifies a config by the FNV-64a of its JSON form. Reloads
// with an equal fingerprint are dropped. A nil or unencodable config yields 0.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	raw, err := json.Marshal(cfg)
	if err != nil || len(raw) == 0 {
		return 0
	}
	f := fnv.New64a()
	f.Write(raw)
	return f.Sum64()
}
