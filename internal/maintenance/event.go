// Package maintenance consumes cache administration events from Kafka,
// mirroring the HTTP eviction surface for operators who drive cleanup
// from pipelines instead of curl.
package maintenance

import "fmt"

const (
	OpEvict = "evict"
	OpClear = "clear"
)

// Event is one administration command. Seq orders redeliveries of the
// same logical command; zero means "no sequencing, always apply".
type Event struct {
	Version int    `json:"version"`
	Op      string `json:"op"`
	DaysOld int    `json:"days_old"`
	Seq     uint64 `json:"seq"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1, got %d", e.Version)
	}
	switch e.Op {
	case OpEvict:
		if e.DaysOld < 0 {
			return fmt.Errorf("days_old must be non-negative, got %d", e.DaysOld)
		}
	case OpClear:
	default:
		return fmt.Errorf("op must be evict|clear, got %q", e.Op)
	}
	return nil
}
