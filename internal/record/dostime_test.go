package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDOSTimeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "even second",
			in:   time.Date(2024, time.March, 9, 14, 30, 42, 0, time.UTC),
			want: time.Date(2024, time.March, 9, 14, 30, 42, 0, time.UTC),
		},
		{
			name: "odd second rounds down",
			in:   time.Date(2024, time.March, 9, 14, 30, 43, 999, time.UTC),
			want: time.Date(2024, time.March, 9, 14, 30, 42, 0, time.UTC),
		},
		{
			name: "epoch",
			in:   time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "before epoch clamps",
			in:   time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "end of range",
			in:   time.Date(2107, time.December, 31, 23, 59, 59, 0, time.UTC),
			want: time.Date(2107, time.December, 31, 23, 59, 58, 0, time.UTC),
		},
		{
			name: "after range clamps",
			in:   time.Date(2200, time.June, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(2107, time.December, 31, 23, 59, 58, 0, time.UTC),
		},
		{
			name: "non-utc input",
			in:   time.Date(2020, time.July, 4, 12, 0, 1, 0, time.FixedZone("X", 3600)),
			want: time.Date(2020, time.July, 4, 11, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			date, clock := FromTime(tt.in)
			assert.True(t, tt.want.Equal(ToTime(date, clock)), "got %v want %v", ToTime(date, clock), tt.want)
			assert.True(t, tt.want.Equal(Truncate(tt.in)))
		})
	}
}

func TestDOSTimeExhaustiveSeconds(t *testing.T) {
	t.Parallel()

	base := time.Date(1999, time.December, 31, 23, 59, 0, 0, time.UTC)
	for s := range 60 {
		in := base.Add(time.Duration(s) * time.Second)
		want := base.Add(time.Duration(s-s%2) * time.Second)
		got := ToTime(FromTime(in))
		assert.True(t, want.Equal(got), "second %d: got %v want %v", s, got, want)
	}
}

func TestDOSTimePackedLayout(t *testing.T) {
	t.Parallel()

	date, clock := FromTime(time.Date(1981, time.February, 3, 4, 5, 6, 0, time.UTC))
	assert.Equal(t, uint16(1<<9|2<<5|3), date)
	assert.Equal(t, uint16(4<<11|5<<5|3), clock)
}
