package usage

import "time"

// UsageWindow returns the UTC calendar month containing ref as the
// half-open interval [start, end).
func UsageWindow(ref time.Time) (start, end time.Time) {
	ref = ref.UTC()
	start = time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}
