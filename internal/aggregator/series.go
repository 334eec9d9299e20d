// internal/aggregator/series.go
package aggregator

import (
	"sort"
	"time"
)

// series — упорядоченная по OpenTime последовательность баров для одной пары
// (symbol, timeframe), ограниченная retention-окном.
type series struct {
	candles []Candle
	limit   int // максимум хранимых баров
}

func newSeries(limit int) *series {
	return &series{candles: make([]Candle, 0, limit), limit: limit}
}

// last возвращает указатель на самый свежий бар (открытый или закрытый).
func (s *series) last() *Candle {
	if len(s.candles) == 0 {
		return nil
	}
	return &s.candles[len(s.candles)-1]
}

// at ищет бар с заданным OpenTime.
func (s *series) at(openTime time.Time) *Candle {
	i := sort.Search(len(s.candles), func(i int) bool {
		return !s.candles[i].OpenTime.Before(openTime)
	})
	if i < len(s.candles) && s.candles[i].OpenTime.Equal(openTime) {
		return &s.candles[i]
	}
	return nil
}

// append добавляет бар в хвост и подрезает серию до limit.
func (s *series) append(c Candle) {
	s.candles = append(s.candles, c)
	s.trim()
}

// insert вставляет бар по порядку OpenTime. Существующий бар не трогается.
func (s *series) insert(c Candle) {
	i := sort.Search(len(s.candles), func(i int) bool {
		return !s.candles[i].OpenTime.Before(c.OpenTime)
	})
	if i < len(s.candles) && s.candles[i].OpenTime.Equal(c.OpenTime) {
		return
	}
	s.candles = append(s.candles, Candle{})
	copy(s.candles[i+1:], s.candles[i:])
	s.candles[i] = c
	s.trim()
}

func (s *series) trim() {
	if s.limit > 0 && len(s.candles) > s.limit {
		drop := len(s.candles) - s.limit
		s.candles = append(s.candles[:0], s.candles[drop:]...)
	}
}

// snapshot возвращает копию серии: вызывающий никогда не видит внутренний слайс.
func (s *series) snapshot() []Candle {
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}
