package ws

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/perpstack/perpflow/internal/model"
	"github.com/perpstack/perpflow/internal/symbols"
)

const binanceStreamBase = "wss://fstream.binance.com/stream"

// BinanceChannel selects which futures stream a dialect consumes.
type BinanceChannel string

const (
	BinanceKline      BinanceChannel = "kline_1m"
	BinanceAggTrade   BinanceChannel = "aggTrade"
	BinanceForceOrder BinanceChannel = "forceOrder"
)

// BinanceDialect speaks the Binance futures combined-stream protocol.
// All instruments ride one connection; the stream list is part of the
// URL, so no subscribe frames are needed.
type BinanceDialect struct {
	channel BinanceChannel
	streams []string
}

// NewBinanceDialect builds a dialect for the given canonical symbols.
func NewBinanceDialect(channel BinanceChannel, syms []string) *BinanceDialect {
	var streams []string
	for _, s := range syms {
		inst, ok := symbols.ToStreamInstrument(model.ExchangeBinance, s)
		if !ok {
			continue
		}
		streams = append(streams, inst+"@"+string(channel))
	}
	return &BinanceDialect{channel: channel, streams: streams}
}

func (d *BinanceDialect) Venue() string   { return model.ExchangeBinance }
func (d *BinanceDialect) Channel() string { return string(d.channel) }

func (d *BinanceDialect) URL() string {
	return binanceStreamBase + "?streams=" + strings.Join(d.streams, "/")
}

func (d *BinanceDialect) SubscribeMessages() [][]byte     { return nil }
func (d *BinanceDialect) SubscribeStagger() time.Duration { return 0 }

// Binance sends protocol-level pings which gorilla answers with pongs
// by default; no application keepalive is required.
func (d *BinanceDialect) PingEvery() time.Duration { return 0 }
func (d *BinanceDialect) PingMessage() []byte      { return nil }

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceKline struct {
	Symbol string `json:"s"`
	K      struct {
		Start    int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		QuoteVol string `json:"q"`
		Final    bool   `json:"x"`
	} `json:"k"`
}

type binanceAggTrade struct {
	Symbol     string `json:"s"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

type binanceForceOrder struct {
	Order struct {
		Symbol   string `json:"s"`
		Side     string `json:"S"`
		Qty      string `json:"q"`
		AvgPrice string `json:"ap"`
		Time     int64  `json:"T"`
	} `json:"o"`
}

// Handle routes a combined-stream frame. Unconfirmed klines are
// dropped; trades and liquidations always flow to the aggregator.
func (d *BinanceDialect) Handle(data []byte, _ Writer, ev Events) error {
	var env binanceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("binance envelope: %w", err)
	}
	if env.Data == nil {
		// Subscription ack or keepalive; nothing to do.
		return nil
	}

	switch d.channel {
	case BinanceKline:
		var k binanceKline
		if err := json.Unmarshal(env.Data, &k); err != nil {
			return fmt.Errorf("binance kline: %w", err)
		}
		if !k.K.Final {
			return nil
		}
		sym, ok := symbols.FromInstrument(model.ExchangeBinance, k.Symbol)
		if !ok {
			return nil
		}
		ev.OnCandle(CandleEvent{
			Exchange: model.ExchangeBinance,
			Symbol:   sym,
			TS:       k.K.Start,
			O:        mustFloat(k.K.Open),
			H:        mustFloat(k.K.High),
			L:        mustFloat(k.K.Low),
			C:        mustFloat(k.K.Close),
			V:        mustFloat(k.K.Volume),
		})
	case BinanceAggTrade:
		var t binanceAggTrade
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return fmt.Errorf("binance aggTrade: %w", err)
		}
		sym, ok := symbols.FromInstrument(model.ExchangeBinance, t.Symbol)
		if !ok {
			return nil
		}
		ev.OnTrade(TradeEvent{
			Exchange: model.ExchangeBinance,
			Symbol:   sym,
			TS:       t.TradeTime,
			QtyUSD:   mustFloat(t.Price) * mustFloat(t.Qty),
			// m marks the buyer as maker, so !m is a taker buy.
			TakerBuy: !t.BuyerMaker,
		})
	case BinanceForceOrder:
		var f binanceForceOrder
		if err := json.Unmarshal(env.Data, &f); err != nil {
			return fmt.Errorf("binance forceOrder: %w", err)
		}
		sym, ok := symbols.FromInstrument(model.ExchangeBinance, f.Order.Symbol)
		if !ok {
			return nil
		}
		// A SELL force order closes a long position.
		ev.OnLiquidation(LiqEvent{
			Exchange: model.ExchangeBinance,
			Symbol:   sym,
			TS:       f.Order.Time,
			USD:      mustFloat(f.Order.AvgPrice) * mustFloat(f.Order.Qty),
			Long:     strings.EqualFold(f.Order.Side, "SELL"),
		})
	}
	return nil
}

func mustFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
