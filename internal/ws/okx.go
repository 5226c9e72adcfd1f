package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/perpstack/perpflow/internal/bucket"
	"github.com/perpstack/perpflow/internal/model"
	"github.com/perpstack/perpflow/internal/symbols"
	"github.com/perpstack/perpflow/internal/timeutil"
)

const (
	okxPublicBase   = "wss://ws.okx.com:8443/ws/v5/public"
	okxBusinessBase = "wss://ws.okx.com:8443/ws/v5/business"
)

// OKXChannel selects a v5 channel.
type OKXChannel string

const (
	OKXCandle OKXChannel = "candle1m"
	OKXTrades OKXChannel = "trades"
	OKXLiq    OKXChannel = "liquidation-orders"
)

// OKXDialect speaks the OKX v5 streaming protocol: one multi-argument
// subscribe, text ping/pong keepalive, and array-shaped candle rows
// whose last element is the confirm flag.
type OKXDialect struct {
	channel OKXChannel
	args    []map[string]string
}

// NewOKXDialect builds a dialect for the given canonical symbols. The
// liquidation channel subscribes per instrument type, not per symbol.
func NewOKXDialect(channel OKXChannel, syms []string) *OKXDialect {
	var args []map[string]string
	if channel == OKXLiq {
		args = append(args, map[string]string{
			"channel":  string(channel),
			"instType": "SWAP",
		})
	} else {
		for _, s := range syms {
			inst, ok := symbols.ToStreamInstrument(model.ExchangeOKX, s)
			if !ok {
				continue
			}
			args = append(args, map[string]string{
				"channel": string(channel),
				"instId":  inst,
			})
		}
	}
	return &OKXDialect{channel: channel, args: args}
}

func (d *OKXDialect) Venue() string   { return model.ExchangeOKX }
func (d *OKXDialect) Channel() string { return string(d.channel) }

func (d *OKXDialect) URL() string {
	// Candles live on the business endpoint in v5.
	if d.channel == OKXCandle {
		return okxBusinessBase
	}
	return okxPublicBase
}

func (d *OKXDialect) SubscribeMessages() [][]byte {
	frame, _ := json.Marshal(map[string]interface{}{
		"op":   "subscribe",
		"args": d.args,
	})
	return [][]byte{frame}
}

func (d *OKXDialect) SubscribeStagger() time.Duration { return 0 }

func (d *OKXDialect) PingEvery() time.Duration { return 25 * time.Second }
func (d *OKXDialect) PingMessage() []byte      { return []byte("ping") }

type okxFrame struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

type okxTradeRow struct {
	InstID string `json:"instId"`
	Px     string `json:"px"`
	Sz     string `json:"sz"`
	Side   string `json:"side"`
	TS     string `json:"ts"`
}

type okxLiqRow struct {
	InstID  string `json:"instId"`
	Details []struct {
		Side string `json:"side"`
		Sz   string `json:"sz"`
		BkPx string `json:"bkPx"`
		TS   string `json:"ts"`
	} `json:"details"`
}

// Handle routes one OKX frame. The server answers keepalives with a
// bare "pong" text frame; candle rows carry confirm as their ninth
// element and are dropped unless it is "1".
func (d *OKXDialect) Handle(data []byte, _ Writer, ev Events) error {
	if bytes.Equal(data, []byte("pong")) {
		return nil
	}

	var frame okxFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("okx frame: %w", err)
	}

	switch frame.Event {
	case "error":
		return fmt.Errorf("okx stream error %s: %s", frame.Code, frame.Msg)
	case "subscribe":
		return nil
	}
	if frame.Data == nil {
		return nil
	}

	switch d.channel {
	case OKXCandle:
		return d.handleCandles(frame, ev)
	case OKXTrades:
		return d.handleTrades(frame, ev)
	case OKXLiq:
		return d.handleLiquidations(frame, ev)
	}
	return nil
}

func (d *OKXDialect) handleCandles(frame okxFrame, ev Events) error {
	sym, ok := symbols.FromInstrument(model.ExchangeOKX, frame.Arg.InstID)
	if !ok {
		return nil
	}
	var rows [][]string
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return fmt.Errorf("okx candle: %w", err)
	}
	for _, r := range rows {
		if len(r) < 9 || r[8] != "1" {
			continue
		}
		ts, err := timeutil.NormalizeMillis(r[0])
		if err != nil {
			continue
		}
		ev.OnCandle(CandleEvent{
			Exchange: model.ExchangeOKX,
			Symbol:   sym,
			TS:       ts,
			O:        mustFloat(r[1]),
			H:        mustFloat(r[2]),
			L:        mustFloat(r[3]),
			C:        mustFloat(r[4]),
			V:        mustFloat(r[5]),
		})
	}
	return nil
}

func (d *OKXDialect) handleTrades(frame okxFrame, ev Events) error {
	var rows []okxTradeRow
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return fmt.Errorf("okx trade: %w", err)
	}
	for _, r := range rows {
		sym, ok := symbols.FromInstrument(model.ExchangeOKX, r.InstID)
		if !ok {
			continue
		}
		ts, err := timeutil.NormalizeMillis(r.TS)
		if err != nil {
			continue
		}
		ev.OnTrade(TradeEvent{
			Exchange: model.ExchangeOKX,
			Symbol:   sym,
			TS:       ts,
			QtyUSD:   mustFloat(r.Px) * mustFloat(r.Sz),
			TakerBuy: r.Side == "buy",
		})
	}
	return nil
}

func (d *OKXDialect) handleLiquidations(frame okxFrame, ev Events) error {
	var rows []okxLiqRow
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return fmt.Errorf("okx liquidation: %w", err)
	}
	for _, r := range rows {
		sym, ok := symbols.FromInstrument(model.ExchangeOKX, r.InstID)
		if !ok {
			continue
		}
		for _, det := range r.Details {
			ts, err := timeutil.NormalizeMillis(det.TS)
			if err != nil {
				continue
			}
			ev.OnLiquidation(LiqEvent{
				Exchange: model.ExchangeOKX,
				Symbol:   sym,
				TS:       ts,
				USD:      mustFloat(det.BkPx) * mustFloat(det.Sz),
				Long:     bucket.LiqIsLong(model.ExchangeOKX, det.Side),
			})
		}
	}
	return nil
}
