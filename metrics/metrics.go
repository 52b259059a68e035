// Package metrics emits one JSON record per processed tile, for
// operational dashboards over pipeline throughput and failure kinds.
package metrics

import (
	"encoding/json"
	"time"
)

// TileInfo is the per-tile metrics record.
type TileInfo struct {
	StartTime string        `json:"start_time"`
	TileID    string        `json:"tile_id"`
	Status    string        `json:"status"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (i *TileInfo) ToJSON() (string, error) {
	out, err := json.Marshal(i)
	if err != nil {
		return "", err
	}
	return string(out) + "\n", nil
}
