package models

import (
	"fmt"
	"time"
)

// Nudge is a scheduled re-engagement: at DueAtUnixMillis the nudge graph is
// walked for the user from NodeID.
type Nudge struct {
	UserKey         string `json:"user_id"`
	DueAtUnixMillis int64  `json:"reminder_time_unix"`
	GraphID         string `json:"nudge_id"`
	NodeID          string `json:"node_id"`
}

// DueAt returns the due time.
func (n Nudge) DueAt() time.Time {
	return time.UnixMilli(n.DueAtUnixMillis)
}

// Bucket returns the coarse partition of the nudge: its UTC due day.
func (n Nudge) Bucket() string {
	return TimeBucket(n.DueAtUnixMillis)
}

// SortKey returns the fine ordering key inside a bucket.
func (n Nudge) SortKey() string {
	return NudgeSortKey(n.DueAtUnixMillis, n.UserKey)
}

// TimeBucket formats the UTC day of unixMillis as YYYY/MM/DD.
func TimeBucket(unixMillis int64) string {
	return time.UnixMilli(unixMillis).UTC().Format("2006/01/02")
}

// BucketStart returns the start of the UTC day containing unixMillis.
func BucketStart(unixMillis int64) time.Time {
	t := time.UnixMilli(unixMillis).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NudgeSortKey is the minute epoch, zero padded so keys order as numbers,
// tie-broken by user key.
func NudgeSortKey(unixMillis int64, userKey string) string {
	return fmt.Sprintf("%012d#%s", unixMillis/60000, userKey)
}
