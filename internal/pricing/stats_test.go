package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	t.Parallel()

	stay := NewStayWindow(2025, 3, 7)
	samples := []float64{120, 80, 200, 100}

	summary, err := Summarize(samples, stay)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Month)
	assert.Equal(t, "March", summary.MonthName)
	assert.InDelta(t, 125.0, summary.AvgPrice, 1e-9)
	assert.InDelta(t, 110.0, summary.MedianPrice, 1e-9)
	assert.Equal(t, 80.0, summary.MinPrice)
	assert.Equal(t, 200.0, summary.MaxPrice)
	assert.Equal(t, 4, summary.SampleSize)
	assert.Equal(t, "2025-03-15", summary.CheckIn)
	assert.Equal(t, "2025-03-22", summary.CheckOut)
	assert.Equal(t, []float64{120, 80, 200, 100}, samples, "input must not be reordered")
}

func TestSummarizeOddSampleCount(t *testing.T) {
	t.Parallel()

	summary, err := Summarize([]float64{50, 10, 30}, NewStayWindow(2025, 1, 7))
	require.NoError(t, err)
	assert.Equal(t, 30.0, summary.MedianPrice)
	assert.InDelta(t, 30.0, summary.AvgPrice, 1e-9)
}

func TestSummarizeSingleSample(t *testing.T) {
	t.Parallel()

	summary, err := Summarize([]float64{42.5}, NewStayWindow(2025, 6, 7))
	require.NoError(t, err)
	assert.Equal(t, 42.5, summary.AvgPrice)
	assert.Equal(t, 42.5, summary.MedianPrice)
	assert.Equal(t, 42.5, summary.MinPrice)
	assert.Equal(t, 42.5, summary.MaxPrice)
	assert.Equal(t, 1, summary.SampleSize)
}

func TestSummarizeRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := Summarize(nil, NewStayWindow(2025, 6, 7))
	require.ErrorIs(t, err, ErrEmptySummary)
}

func TestValidateSummary(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, ValidateSummary(MonthSummary{Month: 1}), ErrEmptySummary)
	require.Error(t, ValidateSummary(MonthSummary{Month: 13, SampleSize: 1}))
	require.Error(t, ValidateSummary(MonthSummary{Month: 2, SampleSize: 1, MinPrice: 5, MaxPrice: 1}))
	require.NoError(t, ValidateSummary(MonthSummary{Month: 2, SampleSize: 1, MinPrice: 1, MaxPrice: 5}))
}

func TestNewStayWindowCrossesMonthEnd(t *testing.T) {
	t.Parallel()

	stay := NewStayWindow(2025, 12, 21)
	assert.Equal(t, "2025-12-15", stay.CheckIn.Format(DateLayout))
	assert.Equal(t, "2026-01-05", stay.CheckOut.Format(DateLayout))
}
