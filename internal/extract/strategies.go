package extract

import (
	"regexp"

	"github.com/PuerkitoBio/goquery"
)

// CardStrategy locates listing cards with the first card marker that matches,
// then takes one price per card from the first price selector that parses.
func CardStrategy(cardMarkers, priceSelectors []string) Strategy {
	return Strategy{
		Name: "cards",
		Run: func(doc *goquery.Document, _ string) []float64 {
			if doc == nil {
				return nil
			}
			for _, marker := range cardMarkers {
				cards := doc.Find(marker)
				if cards.Length() == 0 {
					continue
				}
				var out []float64
				cards.Each(func(_ int, card *goquery.Selection) {
					if price, ok := cardPrice(card, priceSelectors); ok {
						out = append(out, price)
					}
				})
				return out
			}
			return nil
		},
	}
}

func cardPrice(card *goquery.Selection, selectors []string) (float64, bool) {
	for _, sel := range selectors {
		node := card.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if price, ok := CleanPrice(node.Text()); ok {
			return price, true
		}
	}
	return 0, false
}

// MarkerStrategy scans the whole page for price markers regardless of card
// boundaries. The first marker yielding prices wins so nested markers are not
// counted twice.
func MarkerStrategy(markers []string) Strategy {
	return Strategy{
		Name: "markers",
		Run: func(doc *goquery.Document, _ string) []float64 {
			if doc == nil {
				return nil
			}
			for _, marker := range markers {
				var out []float64
				doc.Find(marker).Each(func(_ int, s *goquery.Selection) {
					if price, ok := CleanPrice(s.Text()); ok {
						out = append(out, price)
					}
				})
				if len(out) > 0 {
					return out
				}
			}
			return nil
		},
	}
}

// Grouped figures need exact three-digit groups so adjacent numbers are not merged.
const amount = `(\d{1,3}(?:[.,\s\x{00a0}\x{202f}]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?)`

var currencyAmount = regexp.MustCompile(
	`(?:[€$£]|EUR|USD|GBP)[\s\x{00a0}\x{202f}]?` + amount +
		`|` + amount + `[\s\x{00a0}\x{202f}]?(?:[€$£]|EUR|USD|GBP)`,
)

// PatternStrategy matches currency-adjacent numbers in the raw content and
// keeps those within [minPrice, maxPrice].
func PatternStrategy(minPrice, maxPrice float64) Strategy {
	return Strategy{
		Name: "pattern",
		Run: func(_ *goquery.Document, raw string) []float64 {
			var out []float64
			for _, m := range currencyAmount.FindAllStringSubmatch(raw, -1) {
				text := m[1]
				if text == "" {
					text = m[2]
				}
				price, ok := CleanPrice(text)
				if !ok || price < minPrice || price > maxPrice {
					continue
				}
				out = append(out, price)
			}
			return out
		},
	}
}
