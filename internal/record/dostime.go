package record

import "time"

// dosEpoch is the earliest representable MS-DOS timestamp.
var dosEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// dosLast is the latest representable MS-DOS timestamp.
var dosLast = time.Date(2107, time.December, 31, 23, 59, 58, 0, time.UTC)

// FromTime packs t into MS-DOS date and time fields. The time is converted
// to UTC first; seconds are rounded down to an even value and times outside
// 1980-2107 are clamped to the nearest bound.
func FromTime(t time.Time) (date, clock uint16) {
	t = t.UTC()
	if t.Before(dosEpoch) {
		t = dosEpoch
	} else if t.After(dosLast) {
		t = dosLast
	}
	date = uint16(t.Day()) | uint16(t.Month())<<5 | uint16(t.Year()-1980)<<9 //nolint:gosec // clamped above
	clock = uint16(t.Second()/2) | uint16(t.Minute())<<5 | uint16(t.Hour())<<11 //nolint:gosec // clamped above
	return date, clock
}

// ToTime unpacks MS-DOS date and time fields into a UTC time. Out-of-range
// fields are normalized by time.Date; a zero date decodes to the DOS epoch.
func ToTime(date, clock uint16) time.Time {
	if date == 0 && clock == 0 {
		return dosEpoch
	}
	return time.Date(
		int(date>>9)+1980,
		time.Month(date>>5&0xf),
		int(date&0x1f),
		int(clock>>11),
		int(clock>>5&0x3f),
		int(clock&0x1f)*2,
		0,
		time.UTC,
	)
}

// Truncate returns t in UTC rounded down to MS-DOS resolution.
func Truncate(t time.Time) time.Time {
	return ToTime(FromTime(t))
}
