package pipeline

import (
	"math"
	"strconv"
	"strings"
	"time"
)

func unixSecondsISO8601(sec *float64) string {
	if sec == nil {
		return ""
	}
	// Snapshot timestamps are unix seconds; non-positive values are unset.
	if *sec <= 0 {
		return ""
	}
	ns := int64(math.Round(*sec * 1e9))
	return time.Unix(0, ns).UTC().Format(time.RFC3339)
}

// parseSnapshotSeconds reads a snapshot timestamp that was recorded as a
// number. ISO-formatted and empty timestamps yield nil.
func parseSnapshotSeconds(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
