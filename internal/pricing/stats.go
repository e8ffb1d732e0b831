package pricing

import (
	"fmt"
	"slices"
	"time"
)

// Summarize reduces a non-empty sample set into a MonthSummary for the stay window.
func Summarize(samples []float64, stay StayWindow) (MonthSummary, error) {
	if len(samples) == 0 {
		return MonthSummary{}, ErrEmptySummary
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	month := stay.CheckIn.Month()
	return MonthSummary{
		Month:       int(month),
		MonthName:   month.String(),
		AvgPrice:    sum / float64(len(sorted)),
		MedianPrice: median(sorted),
		MinPrice:    sorted[0],
		MaxPrice:    sorted[len(sorted)-1],
		SampleSize:  len(sorted),
		CheckIn:     stay.CheckIn.Format(DateLayout),
		CheckOut:    stay.CheckOut.Format(DateLayout),
	}, nil
}

// median expects sorted input with at least one element.
func median(sorted []float64) float64 {
	n := len(sorted)
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// ValidateSummary checks the invariants a persisted summary must hold.
func ValidateSummary(s MonthSummary) error {
	if s.SampleSize < 1 {
		return ErrEmptySummary
	}
	if s.Month < 1 || s.Month > 12 {
		return fmt.Errorf("summary month %d out of range", s.Month)
	}
	if s.MinPrice > s.MaxPrice {
		return fmt.Errorf("summary min %.2f exceeds max %.2f", s.MinPrice, s.MaxPrice)
	}
	return nil
}

// StayWindow is the check-in/check-out pair searched for one month.
type StayWindow struct {
	CheckIn  time.Time
	CheckOut time.Time
}

// CheckInDay is the day of month every stay starts on.
const CheckInDay = 15

// NewStayWindow starts a stay on the 15th of the month and lasts days nights.
func NewStayWindow(year, month, days int) StayWindow {
	checkIn := time.Date(year, time.Month(month), CheckInDay, 0, 0, 0, 0, time.UTC)
	return StayWindow{
		CheckIn:  checkIn,
		CheckOut: checkIn.AddDate(0, 0, days),
	}
}
