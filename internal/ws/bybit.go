package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/perpstack/perpflow/internal/bucket"
	"github.com/perpstack/perpflow/internal/model"
	"github.com/perpstack/perpflow/internal/symbols"
)

const bybitStreamBase = "wss://stream.bybit.com/v5/public/linear"

// BybitChannel selects a v5 linear public topic family.
type BybitChannel string

const (
	BybitKline          BybitChannel = "kline.1"
	BybitPublicTrade    BybitChannel = "publicTrade"
	BybitAllLiquidation BybitChannel = "allLiquidation"
)

// bybitSubChunk is the maximum topic count per subscribe frame.
const bybitSubChunk = 200

// bybitSubStagger spaces successive subscribe frames.
const bybitSubStagger = 50 * time.Millisecond

// BybitDialect speaks the Bybit v5 public linear stream. Bybit caps
// the args per subscribe message, so subscriptions go out chunked with
// a stagger.
type BybitDialect struct {
	channel BybitChannel
	topics  []string
}

// NewBybitDialect builds a dialect for the given canonical symbols.
func NewBybitDialect(channel BybitChannel, syms []string) *BybitDialect {
	var topics []string
	for _, s := range syms {
		inst, ok := symbols.ToStreamInstrument(model.ExchangeBybit, s)
		if !ok {
			continue
		}
		topics = append(topics, string(channel)+"."+inst)
	}
	return &BybitDialect{channel: channel, topics: topics}
}

func (d *BybitDialect) Venue() string   { return model.ExchangeBybit }
func (d *BybitDialect) Channel() string { return string(d.channel) }
func (d *BybitDialect) URL() string     { return bybitStreamBase }

func (d *BybitDialect) SubscribeMessages() [][]byte {
	var frames [][]byte
	for start := 0; start < len(d.topics); start += bybitSubChunk {
		end := start + bybitSubChunk
		if end > len(d.topics) {
			end = len(d.topics)
		}
		frame, _ := json.Marshal(map[string]interface{}{
			"op":   "subscribe",
			"args": d.topics[start:end],
		})
		frames = append(frames, frame)
	}
	return frames
}

func (d *BybitDialect) SubscribeStagger() time.Duration { return bybitSubStagger }

func (d *BybitDialect) PingEvery() time.Duration { return 20 * time.Second }
func (d *BybitDialect) PingMessage() []byte      { return []byte(`{"op":"ping"}`) }

type bybitFrame struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

type bybitKlineRow struct {
	Start    int64  `json:"start"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Turnover string `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

type bybitTradeRow struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
}

type bybitLiqRow struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
}

// Handle routes one Bybit frame: op acks (pong, subscribe results) and
// topic data. Unconfirmed klines are dropped.
func (d *BybitDialect) Handle(data []byte, _ Writer, ev Events) error {
	var frame bybitFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("bybit frame: %w", err)
	}

	if frame.Op != "" {
		if frame.Op == "subscribe" && frame.Success != nil && !*frame.Success {
			// A rejected topic is logged by the caller's stream of
			// session logs; the session itself stays up.
			return fmt.Errorf("bybit subscribe rejected: %s", frame.RetMsg)
		}
		return nil
	}
	if frame.Topic == "" || frame.Data == nil {
		return nil
	}

	inst := frame.Topic[strings.LastIndex(frame.Topic, ".")+1:]
	sym, ok := symbols.FromInstrument(model.ExchangeBybit, inst)
	if !ok {
		return nil
	}

	switch {
	case strings.HasPrefix(frame.Topic, string(BybitKline)+"."):
		var rows []bybitKlineRow
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return fmt.Errorf("bybit kline: %w", err)
		}
		for _, r := range rows {
			if !r.Confirm {
				continue
			}
			ev.OnCandle(CandleEvent{
				Exchange: model.ExchangeBybit,
				Symbol:   sym,
				TS:       r.Start,
				O:        mustFloat(r.Open),
				H:        mustFloat(r.High),
				L:        mustFloat(r.Low),
				C:        mustFloat(r.Close),
				V:        mustFloat(r.Volume),
			})
		}
	case strings.HasPrefix(frame.Topic, string(BybitPublicTrade)+"."):
		var rows []bybitTradeRow
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return fmt.Errorf("bybit trade: %w", err)
		}
		for _, r := range rows {
			ev.OnTrade(TradeEvent{
				Exchange: model.ExchangeBybit,
				Symbol:   sym,
				TS:       r.Time,
				QtyUSD:   mustFloat(r.Price) * mustFloat(r.Size),
				TakerBuy: strings.EqualFold(r.Side, "Buy"),
			})
		}
	case strings.HasPrefix(frame.Topic, string(BybitAllLiquidation)+"."):
		var rows []bybitLiqRow
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return fmt.Errorf("bybit liquidation: %w", err)
		}
		for _, r := range rows {
			ev.OnLiquidation(LiqEvent{
				Exchange: model.ExchangeBybit,
				Symbol:   sym,
				TS:       r.Time,
				USD:      mustFloat(r.Price) * mustFloat(r.Size),
				Long:     bucket.LiqIsLong(model.ExchangeBybit, r.Side),
			})
		}
	}
	return nil
}
