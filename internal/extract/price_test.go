package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanPrice(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want float64
		ok   bool
	}{
		{name: "euro suffix", in: "145€", want: 145, ok: true},
		{name: "narrow space thousands with decimal comma", in: "1\u202f045,50\u00a0€", want: 1045.50, ok: true},
		{name: "plain space thousands", in: "1 045,50 €", want: 1045.50, ok: true},
		{name: "dollar with comma thousands", in: "$1,234.56", want: 1234.56, ok: true},
		{name: "point thousands", in: "1.045 €", want: 1045, ok: true},
		{name: "single decimal digit", in: "12,5 €", want: 12.5, ok: true},
		{name: "first figure wins", in: "145 € par nuit, 1 015 € au total", want: 145, ok: true},
		{name: "currency code", in: "EUR 89", want: 89, ok: true},
		{name: "dash placeholder", in: "—", ok: false},
		{name: "empty", in: "", ok: false},
		{name: "words only", in: "Prix indisponible", ok: false},
		{name: "negative", in: "-50 €", ok: false},
		{name: "labelled negative", in: "Prix : -50 €", ok: false},
		{name: "unicode minus", in: "−35 €", ok: false},
		{name: "negative cents", in: "-.50 €", ok: false},
		{name: "cents only", in: ".50 €", want: 0.5, ok: true},
		{name: "cents only with comma", in: ",5 €", want: 0.5, ok: true},
		{name: "hyphenated label", in: "Prix - 50 €", want: 50, ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := CleanPrice(tc.in)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.InDelta(t, tc.want, got, 1e-9)
			}
		})
	}
}
