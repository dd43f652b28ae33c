package processors

import "time"

// ReportingPeriod is one (year, month) usage submission window.
type ReportingPeriod struct {
	Year    int
	Month   int
	Current bool
}

// ReportingPeriods computes the k months ending at now's month, oldest
// first and the current month always last. k is clamped to [1, 12].
func ReportingPeriods(now time.Time, k int) []ReportingPeriod {
	if k < 1 {
		k = 1
	} else if k > 12 {
		k = 12
	}

	periods := make([]ReportingPeriod, 0, k)
	// Anchor to the first of the month so subtracting months never
	// overflows into the wrong month on the 29th..31st.
	anchor := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	for i := k - 1; i >= 0; i-- {
		month := anchor.AddDate(0, -i, 0)
		periods = append(periods, ReportingPeriod{
			Year:    month.Year(),
			Month:   int(month.Month()),
			Current: i == 0,
		})
	}
	return periods
}

// firstOfMonth returns midnight on the first day of the period in loc.
func (p ReportingPeriod) firstOfMonth(loc *time.Location) time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, loc)
}
