// internal/app/handlers.go
package app

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/YaganovValera/market-stream/internal/aggregator"
	"github.com/YaganovValera/market-stream/internal/client"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// candleRow — строка ответа /api/v1/candles, совместимая по форме
// со снапшотом REST-фолбэка.
type candleRow struct {
	Time   int64   `json:"time"` // unix seconds, начало бара
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
	Closed bool    `json:"closed"`
}

type candlesResponse struct {
	Symbol      string      `json:"symbol"`
	Timeframe   string      `json:"timeframe"`
	Data        []candleRow `json:"data"`
	Count       int         `json:"count"`
	DataSource  string      `json:"data_source"`
	LatestPrice float64     `json:"latest_price"`
	RealTime    bool        `json:"real_time"`
}

type statusResponse struct {
	State         string   `json:"state"`
	Unreachable   bool     `json:"unreachable"`
	RealTime      bool     `json:"real_time"`
	Subscriptions []string `json:"subscriptions"`
	Timeframes    []string `json:"timeframes"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// candlesHandler отдаёт локальную серию баров инструмента.
func candlesHandler(c *client.Client, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
			return
		}
		tf, err := aggregator.ParseTimeframe(r.URL.Query().Get("timeframe"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
				return
			}
		}

		candles := c.Candles(symbol, tf)
		if limit > 0 && len(candles) > limit {
			candles = candles[len(candles)-limit:]
		}

		rows := make([]candleRow, 0, len(candles))
		for _, cd := range candles {
			rows = append(rows, candleRow{
				Time:   cd.OpenTime.Unix(),
				Open:   cd.Open,
				High:   cd.High,
				Low:    cd.Low,
				Close:  cd.Close,
				Volume: cd.Volume,
				Closed: cd.Closed,
			})
		}

		price, _ := c.LatestPrice(symbol, tf)
		writeJSON(w, http.StatusOK, candlesResponse{
			Symbol:      symbol,
			Timeframe:   string(tf),
			Data:        rows,
			Count:       len(rows),
			DataSource:  "aggregator",
			LatestPrice: price,
			RealTime:    c.IsRealTime(),
		})
		log.Sugar().Debugw("candles served",
			"symbol", symbol, "timeframe", string(tf), "count", len(rows))
	})
}

// statusHandler отдаёт состояние соединения и активные подписки.
func statusHandler(c *client.Client, timeframes []aggregator.Timeframe) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		subs := c.Active()
		sort.Strings(subs)
		tfs := make([]string, 0, len(timeframes))
		for _, tf := range timeframes {
			tfs = append(tfs, string(tf))
		}
		writeJSON(w, http.StatusOK, statusResponse{
			State:         c.State().String(),
			Unreachable:   c.Unreachable(),
			RealTime:      c.IsRealTime(),
			Subscriptions: subs,
			Timeframes:    tfs,
		})
	})
}
