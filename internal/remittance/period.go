package remittance

import "time"

const dateLayout = "2006-01-02"

// Period returns the inclusive reporting window for a cycle started at now
// and the date the investor is paid. Before this month's cutoff the window
// is the whole prior month; from the cutoff on it is the 1st through the
// cutoff. Cutoff and remittance days past a month's end clamp to its last
// day.
func Period(cutoffDay, remittanceDay int, now time.Time) (start, end, remitOn time.Time) {
	y, m, d := now.Date()
	cutoff := min(cutoffDay, daysIn(y, m))

	if d < cutoff {
		start = time.Date(y, m-1, 1, 0, 0, 0, 0, time.UTC)
		end = time.Date(y, m, 0, 0, 0, 0, 0, time.UTC)
	} else {
		start = time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
		end = time.Date(y, m, cutoff, 0, 0, 0, 0, time.UTC)
	}
	return start, end, nextDayOfMonth(end, remittanceDay)
}

// nextDayOfMonth is the first date strictly after `after` falling on day
// (clamped to the month length).
func nextDayOfMonth(after time.Time, day int) time.Time {
	y, m, _ := after.Date()
	for i := 0; i < 2; i++ {
		first := time.Date(y, m+time.Month(i), 1, 0, 0, 0, 0, time.UTC)
		dd := min(day, daysIn(first.Year(), first.Month()))
		c := time.Date(first.Year(), first.Month(), dd, 0, 0, 0, 0, time.UTC)
		if c.After(after) {
			return c
		}
	}
	return after.AddDate(0, 1, 0)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
