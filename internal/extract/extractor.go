// Package extract pulls raw listing prices out of rendered search pages.
package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// Config lists the selectors and bounds used by the default strategy chain.
type Config struct {
	CardMarkers     []string `mapstructure:"card_markers"`
	PriceSelectors  []string `mapstructure:"price_selectors"`
	FallbackMarkers []string `mapstructure:"fallback_markers"`
	MinPrice        float64  `mapstructure:"min_price"`
	MaxPrice        float64  `mapstructure:"max_price"`
}

// DefaultConfig mirrors the listing markup observed on search result pages.
func DefaultConfig() Config {
	return Config{
		CardMarkers: []string{
			"[data-testid='card-container']",
			"[itemprop='itemListElement']",
		},
		PriceSelectors: []string{
			"span[data-testid='price-element'] span",
			"span._hb913q",
			"span._tyxjp1",
			"span._1y74zjx",
		},
		FallbackMarkers: []string{
			"[data-testid='price-element']",
			"span._tyxjp1",
			"span._1jo4hgw",
		},
		MinPrice: 10,
		MaxPrice: 10000,
	}
}

// Validate rejects configurations that could never produce a sample.
func (c Config) Validate() error {
	if len(c.CardMarkers) == 0 || len(c.PriceSelectors) == 0 {
		return fmt.Errorf("extract.card_markers and extract.price_selectors must not be empty")
	}
	if c.MinPrice < 0 || c.MaxPrice <= c.MinPrice {
		return fmt.Errorf("extract price bounds [%v, %v] are invalid", c.MinPrice, c.MaxPrice)
	}
	return nil
}

// Strategy is one way of finding prices in a page. Doc is nil when the
// content could not be parsed as HTML; Raw is always the original content.
type Strategy struct {
	Name string
	Run  func(doc *goquery.Document, raw string) []float64
}

// Extractor applies strategies in order and returns the first non-empty result.
type Extractor struct {
	strategies []Strategy
	logger     *zap.Logger
}

// New builds the default three-step chain from cfg.
func New(cfg Config, logger *zap.Logger) *Extractor {
	return NewWithStrategies(logger,
		CardStrategy(cfg.CardMarkers, cfg.PriceSelectors),
		MarkerStrategy(cfg.FallbackMarkers),
		PatternStrategy(cfg.MinPrice, cfg.MaxPrice),
	)
}

// NewWithStrategies builds an Extractor from an explicit chain.
func NewWithStrategies(logger *zap.Logger, strategies ...Strategy) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		strategies: append([]Strategy(nil), strategies...),
		logger:     logger,
	}
}

// Extract returns raw per-listing prices, or nil when no strategy matched.
func (e *Extractor) Extract(content string) []float64 {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		e.logger.Debug("page content is not parseable HTML", zap.Error(err))
		doc = nil
	}
	for _, strategy := range e.strategies {
		samples := e.run(strategy, doc, content)
		if len(samples) > 0 {
			e.logger.Debug("extraction strategy matched",
				zap.String("strategy", strategy.Name),
				zap.Int("samples", len(samples)),
			)
			return samples
		}
	}
	return nil
}

func (e *Extractor) run(strategy Strategy, doc *goquery.Document, raw string) (samples []float64) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Warn("extraction strategy panicked",
				zap.String("strategy", strategy.Name),
				zap.Any("panic", rec),
			)
			samples = nil
		}
	}()
	return strategy.Run(doc, raw)
}
