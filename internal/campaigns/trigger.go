package campaigns

import "time"

// TriggerDate is the calendar day (midnight in loc) a trigger fires for a
// due date.
func TriggerDate(due time.Time, offsetDays int, loc *time.Location) time.Time {
	d := due.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day()+offsetDays, 0, 0, 0, 0, loc)
}

// InWindow reports whether now's hour in loc lies in [startHour, endHour).
func InWindow(now time.Time, startHour, endHour int, loc *time.Location) bool {
	h := now.In(loc).Hour()
	return h >= startHour && h < endHour
}

// Eligible reports whether trigger t fires for a receivable due on due at
// now: the trigger date is today in the campaign timezone and now is inside
// the campaign's hour window.
func Eligible(now, due time.Time, t Trigger, c Campaign) bool {
	loc := c.Location()
	if !InWindow(now, c.StartHour, c.EndHour, loc) {
		return false
	}
	td := TriggerDate(due, t.DaysOffsetFromDueDate, loc)
	local := now.In(loc)
	return td.Year() == local.Year() && td.Month() == local.Month() && td.Day() == local.Day()
}
