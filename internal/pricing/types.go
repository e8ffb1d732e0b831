// Package pricing defines the core types shared across the fetch pipeline.
package pricing

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the pipeline.
var (
	// ErrInvalidKey reports a MonthKey that cannot address a fetch unit.
	ErrInvalidKey = errors.New("invalid month key")
	// ErrEmptySummary reports an attempt to persist a summary without samples.
	ErrEmptySummary = errors.New("summary has no samples")
	// ErrMarkerTimeout is returned by sessions when a marker never appears.
	ErrMarkerTimeout = errors.New("marker wait timed out")
	// ErrTotalFailure is returned when no month of a run produced a summary.
	ErrTotalFailure = errors.New("no month produced prices")
)

// DateLayout is the format used for check-in and check-out dates.
const DateLayout = "2006-01-02"

// MonthKey identifies one fetch unit and one cache entry.
type MonthKey struct {
	Destination string `json:"destination"`
	Year        int    `json:"year"`
	Month       int    `json:"month"`
}

// Validate reports whether the key can be fetched.
func (k MonthKey) Validate() error {
	if err := ValidateDestination(k.Destination); err != nil {
		return err
	}
	if k.Year < 1 {
		return fmt.Errorf("%w: year %d", ErrInvalidKey, k.Year)
	}
	if k.Month < 1 || k.Month > 12 {
		return fmt.Errorf("%w: month %d", ErrInvalidKey, k.Month)
	}
	return nil
}

// String renders the key for logs.
func (k MonthKey) String() string {
	return fmt.Sprintf("%s/%04d-%02d", k.Destination, k.Year, k.Month)
}

// MonthSummary holds aggregated price statistics for one destination month.
type MonthSummary struct {
	Month       int     `json:"month"`
	MonthName   string  `json:"month_name"`
	AvgPrice    float64 `json:"avg_price"`
	MedianPrice float64 `json:"median_price"`
	MinPrice    float64 `json:"min_price"`
	MaxPrice    float64 `json:"max_price"`
	SampleSize  int     `json:"sample_size"`
	CheckIn     string  `json:"check_in"`
	CheckOut    string  `json:"check_out"`
}

// FailureReason classifies why a month could not be fetched.
type FailureReason string

// Failure reasons recorded on FetchOutcome values.
const (
	ReasonDriverInit FailureReason = "driver_init"
	ReasonNavigation FailureReason = "navigation"
	ReasonNoPrices   FailureReason = "no_prices"
	ReasonCanceled   FailureReason = "canceled"
	ReasonInternal   FailureReason = "internal"
)

// FetchOutcome is the result of one month fetch: a summary or a failure reason.
type FetchOutcome struct {
	Key       MonthKey
	Summary   *MonthSummary
	Reason    FailureReason
	Err       error
	FromCache bool
	Attempts  int
	Duration  time.Duration
}

// OK reports whether the outcome carries a summary.
func (o FetchOutcome) OK() bool {
	return o.Summary != nil
}

// Success builds a successful outcome.
func Success(key MonthKey, summary MonthSummary) FetchOutcome {
	return FetchOutcome{Key: key, Summary: &summary}
}

// Failure builds a failed outcome.
func Failure(key MonthKey, reason FailureReason, err error) FetchOutcome {
	return FetchOutcome{Key: key, Reason: reason, Err: err}
}

// AnnualTable is the ordered set of month summaries for a destination and year.
// Months that failed are absent.
type AnnualTable struct {
	Destination string         `json:"destination"`
	Year        int            `json:"year"`
	Rows        []MonthSummary `json:"rows"`
}

// Months returns the month numbers present in the table.
func (t AnnualTable) Months() []int {
	out := make([]int, 0, len(t.Rows))
	for _, row := range t.Rows {
		out = append(out, row.Month)
	}
	return out
}

// Snapshot is an assembled table ready to be persisted.
type Snapshot struct {
	RunID     string
	Table     AnnualTable
	CreatedAt time.Time
}

// SnapshotRef locates a persisted snapshot.
type SnapshotRef struct {
	URI    string `json:"uri"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}
