package marketdata

import (
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/dstamatis/pietra/internal/domain"
)

// cacheSeriesLen is how many bars a cache entry carries; enough for
// every indicator window a rule can ask for.
const cacheSeriesLen = 500

// Service assembles market context snapshots from stored candles and the
// earnings calendar. It implements domain.MarketContextProvider for the
// trigger evaluator and serves price hints to the allocation path.
type Service struct {
	repo  *Repository
	cache *CandleCache
	log   zerolog.Logger
}

// NewService creates a new market data service
func NewService(repo *Repository, cache *CandleCache, log zerolog.Logger) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		log:   log.With().Str("service", "marketdata").Logger(),
	}
}

// LatestPrice returns the most recent close for a symbol
func (s *Service) LatestPrice(symbol string) (float64, error) {
	c, err := s.repo.LatestCandle(symbol)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, fmt.Errorf("no price history for %s", symbol)
	}
	return c.Close, nil
}

// Ingest stores fresh candles and drops the symbol's stale cache entry
func (s *Service) Ingest(symbol string, candles []Candle) error {
	if err := s.repo.UpsertCandles(symbol, candles); err != nil {
		return err
	}
	return s.cache.Invalidate(symbol)
}

// Context builds the read-only evaluation snapshot for one symbol.
// Indicators whose window exceeds the available history stay nil; the
// evaluator turns a needed-but-nil datum into an evaluation failure.
func (s *Service) Context(symbol string, asOf time.Time, req domain.ContextRequest) (*domain.MarketContext, error) {
	candles, err := s.series(symbol, asOf)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no price history for %s", symbol)
	}

	last := candles[len(candles)-1]
	ctx := &domain.MarketContext{
		Symbol: symbol,
		AsOf:   asOf,
		Price:  last.Close,
		Volume: last.Volume,
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	if w := req.RollingWindowDays; w > 0 && len(candles) >= w {
		high, low := rollingExtremes(candles[len(candles)-w:])
		ctx.RollingHigh = &high
		ctx.RollingLow = &low
	}

	if req.FastPeriod > 0 && req.SlowPeriod > 0 && len(closes) >= req.SlowPeriod {
		fast := talib.Sma(closes, req.FastPeriod)
		slow := talib.Sma(closes, req.SlowPeriod)
		f := fast[len(fast)-1]
		sl := slow[len(slow)-1]
		ctx.FastMA = &f
		ctx.SlowMA = &sl
	}

	if p := req.RSIPeriod; p > 0 && len(closes) > p {
		rsi := talib.Rsi(closes, p)
		v := rsi[len(rsi)-1]
		ctx.RSI = &v
	}

	if p := req.BollingerPeriod; p > 0 && len(closes) >= p {
		stdDev := req.BollingerStdDev
		if stdDev <= 0 {
			stdDev = 2.0
		}
		upper, _, lower := talib.BBands(closes, p, stdDev, stdDev, 0)
		u := upper[len(upper)-1]
		l := lower[len(lower)-1]
		ctx.BollingerUpper = &u
		ctx.BollingerLower = &l
	}

	if w := req.VolumeWindowDays; w > 0 && len(volumes) >= w {
		avg := stat.Mean(volumes[len(volumes)-w:], nil)
		ctx.AvgVolume = &avg
	}

	if req.NeedEarnings {
		next, err := s.repo.NextEarnings(symbol, asOf)
		if err != nil {
			return nil, err
		}
		prev, err := s.repo.PrevEarnings(symbol, asOf)
		if err != nil {
			return nil, err
		}
		ctx.NextEarnings = next
		ctx.PrevEarnings = prev
	}

	return ctx, nil
}

// series reads the candle series through the cache. Cached entries cover
// the whole symbol history tail; asOf truncation happens here so backdated
// evaluations never see the future.
func (s *Service) series(symbol string, asOf time.Time) ([]Candle, error) {
	now := time.Now().UTC()

	cached, err := s.cache.Get(symbol, now)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return truncateAfter(cached, asOf), nil
	}

	candles, err := s.repo.GetCandles(symbol, now, cacheSeriesLen)
	if err != nil {
		return nil, err
	}
	if len(candles) > 0 {
		if err := s.cache.Put(symbol, candles, now); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to refresh candle cache")
		}
	}
	return truncateAfter(candles, asOf), nil
}

func truncateAfter(candles []Candle, asOf time.Time) []Candle {
	cutoff := asOf.Unix()
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].Date <= cutoff {
			return candles[:i+1]
		}
	}
	return nil
}

func rollingExtremes(candles []Candle) (high, low float64) {
	high = candles[0].High
	low = candles[0].Low
	for _, c := range candles[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low
}
