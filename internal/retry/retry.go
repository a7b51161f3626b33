// Package retry implements the backoff schedule and retry-status
// classification (spec.md C6, §4.6).
package retry

// Status tags a delivery attempt relative to the configured number of
// tries.
type Status string

const (
	StatusFirst Status = "first"
	StatusRetry Status = "retry"
	StatusLast  Status = "last"
)

// BackoffMS computes the delay in milliseconds before attempt (1-based,
// the *next* attempt number). schedule is either a single-element scalar
// (uniform seconds) or an ordered per-attempt schedule whose last element
// clamps every attempt beyond its length (spec.md §4.6).
//
// An empty schedule is a configuration error the caller must reject before
// reaching this function (spec.md §9 Open Question i) — config.Load already
// refuses to produce a Config with an empty schedule, so BackoffMS treats
// it as a programmer error rather than returning a sentinel.
func BackoffMS(attempt int, scheduleSeconds []int) int {
	if len(scheduleSeconds) == 0 {
		panic("retry: BackoffMS called with an empty schedule")
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(scheduleSeconds)-1 {
		idx = len(scheduleSeconds) - 1
	}
	return scheduleSeconds[idx] * 1000
}

// ClassifyStatus tags attempt k of tries as first/retry/last (spec.md
// §4.6).
func ClassifyStatus(k, tries int) Status {
	switch {
	case k <= 1:
		return StatusFirst
	case k >= tries:
		return StatusLast
	default:
		return StatusRetry
	}
}
