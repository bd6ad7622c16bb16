package dispatch

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pattty847/Sentinel-sub000/internal/book"
	"github.com/pattty847/Sentinel-sub000/internal/domain"
	"github.com/pattty847/Sentinel-sub000/internal/monitor"
	"github.com/pattty847/Sentinel-sub000/internal/observability"
)

// Wire format structs for Coinbase Advanced Trade frames.
type wsMessage struct {
	Channel     string            `json:"channel"`
	Type        string            `json:"type"`
	Message     string            `json:"message"`
	Timestamp   string            `json:"timestamp"`
	SequenceNum int64             `json:"sequence_num"`
	Events      []json.RawMessage `json:"events"`
}

type wsBookEvent struct {
	Type      string    `json:"type"`
	ProductID string    `json:"product_id"`
	Updates   []wsLevel `json:"updates"`
}

type wsLevel struct {
	Side        string `json:"side"`
	EventTime   string `json:"event_time"`
	PriceLevel  string `json:"price_level"`
	NewQuantity string `json:"new_quantity"`
}

type wsTradeEvent struct {
	Type   string    `json:"type"`
	Trades []wsTrade `json:"trades"`
}

type wsTrade struct {
	TradeID   string `json:"trade_id"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Time      string `json:"time"`
}

type wsSubscriptionEvent struct {
	Subscriptions map[string][]string `json:"subscriptions"`
}

// timeLayouts are tried in order when RFC3339Nano fails.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999999Z07:00",
}

// Decoder turns raw frames into typed events. Malformed numeric and time
// fields degrade to zero values rather than dropping the whole frame; only
// frames that fail JSON parsing entirely are discarded.
type Decoder struct {
	logger *log.Logger
	mon    *monitor.Monitor
}

// NewDecoder creates a decoder. Both arguments may be nil.
func NewDecoder(logger *log.Logger, mon *monitor.Monitor) *Decoder {
	if logger == nil {
		logger = log.Default()
	}
	return &Decoder{logger: logger, mon: mon}
}

// Decode parses one frame. The returned slice preserves the frame's event
// order. On a malformed event mid-frame the events decoded before it are
// returned alongside the error; callers should apply them before handling
// the error.
func (d *Decoder) Decode(raw []byte, arrival time.Time) ([]Event, error) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.countDecodeError()
		return nil, fmt.Errorf("dispatch: malformed frame: %w", err)
	}

	if msg.Type == "error" {
		return []Event{ProviderErrorEvent{Message: msg.Message, Timestamp: arrival}}, nil
	}

	frameTime := d.parseTime(msg.Timestamp, arrival)

	switch msg.Channel {
	case domain.ChannelL2Data:
		return d.decodeBook(msg.Events, frameTime, arrival)
	case domain.ChannelMarketTrades:
		return d.decodeTrades(msg.Events, frameTime, arrival)
	case domain.ChannelSubscriptions:
		return d.decodeSubscriptions(msg.Events, frameTime)
	case "":
		d.countDecodeError()
		return nil, fmt.Errorf("dispatch: frame without channel")
	default:
		// Unknown channels are skipped without an error so new provider
		// channels do not spam the error path.
		d.logger.Printf("[dispatch] skipping frame for unknown channel %q", msg.Channel)
		return nil, nil
	}
}

func (d *Decoder) decodeBook(rawEvents []json.RawMessage, frameTime, arrival time.Time) ([]Event, error) {
	out := make([]Event, 0, len(rawEvents))
	for _, rawEv := range rawEvents {
		var ev wsBookEvent
		if err := json.Unmarshal(rawEv, &ev); err != nil {
			d.countDecodeError()
			return out, fmt.Errorf("dispatch: malformed l2_data event: %w", err)
		}
		if ev.ProductID == "" {
			d.countDecodeError()
			continue
		}

		ts := frameTime
		if len(ev.Updates) > 0 && ev.Updates[0].EventTime != "" {
			ts = d.parseTime(ev.Updates[0].EventTime, arrival)
		}

		switch ev.Type {
		case "snapshot":
			var bids, asks []domain.BookLevel
			for _, l := range ev.Updates {
				price := d.parseQuantity(l.PriceLevel)
				size := d.parseQuantity(l.NewQuantity)
				if price <= 0 {
					continue
				}
				lvl := domain.BookLevel{Price: price, Size: size}
				if isBid(l.Side) {
					bids = append(bids, lvl)
				} else {
					asks = append(asks, lvl)
				}
			}
			out = append(out, BookSnapshotEvent{ProductID: ev.ProductID, Bids: bids, Asks: asks, Timestamp: ts})

		case "update":
			updates := make([]book.LevelUpdate, 0, len(ev.Updates))
			for _, l := range ev.Updates {
				price := d.parseQuantity(l.PriceLevel)
				if price <= 0 {
					continue
				}
				updates = append(updates, book.LevelUpdate{
					Bid:   isBid(l.Side),
					Price: price,
					Size:  d.parseQuantity(l.NewQuantity),
				})
			}
			out = append(out, BookUpdateEvent{ProductID: ev.ProductID, Updates: updates, Timestamp: ts})

		default:
			d.countDecodeError()
		}
	}
	return out, nil
}

func (d *Decoder) decodeTrades(rawEvents []json.RawMessage, frameTime, arrival time.Time) ([]Event, error) {
	var out []Event
	for _, rawEv := range rawEvents {
		var ev wsTradeEvent
		if err := json.Unmarshal(rawEv, &ev); err != nil {
			d.countDecodeError()
			return out, fmt.Errorf("dispatch: malformed market_trades event: %w", err)
		}
		for _, t := range ev.Trades {
			price := d.parseQuantity(t.Price)
			if price <= 0 {
				continue
			}
			ts := frameTime
			if t.Time != "" {
				ts = d.parseTime(t.Time, arrival)
			}
			out = append(out, TradeEvent{Trade: domain.Trade{
				Timestamp: ts,
				ProductID: t.ProductID,
				TradeID:   t.TradeID,
				Side:      parseAggressor(t.Side),
				Price:     price,
				Size:      d.parseQuantity(t.Size),
			}})
		}
	}
	return out, nil
}

func (d *Decoder) decodeSubscriptions(rawEvents []json.RawMessage, frameTime time.Time) ([]Event, error) {
	channels := make(map[string][]string)
	for _, rawEv := range rawEvents {
		var ev wsSubscriptionEvent
		if err := json.Unmarshal(rawEv, &ev); err != nil {
			d.countDecodeError()
			return nil, fmt.Errorf("dispatch: malformed subscriptions event: %w", err)
		}
		for ch, products := range ev.Subscriptions {
			channels[ch] = append(channels[ch], products...)
		}
	}
	return []Event{SubscriptionAckEvent{Channels: channels, Timestamp: frameTime}}, nil
}

// parseQuantity parses a decimal string. Failures degrade to 0 and are
// counted, matching the policy that one bad field never drops a frame.
func (d *Decoder) parseQuantity(s string) float64 {
	if s == "" {
		return 0
	}
	dec, err := decimal.NewFromString(s)
	if err != nil {
		d.countParseFailure("quantity")
		return 0
	}
	return dec.InexactFloat64()
}

// parseTime parses an ISO 8601 timestamp, truncated to microseconds.
// Failures degrade to the arrival time and are counted.
func (d *Decoder) parseTime(s string, arrival time.Time) time.Time {
	if s == "" {
		return arrival
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.Truncate(time.Microsecond)
		}
	}
	d.countParseFailure("time")
	return arrival
}

func (d *Decoder) countDecodeError() {
	observability.RecordDecodeError()
	if d.mon != nil {
		d.mon.CountDecodeError()
	}
}

func (d *Decoder) countParseFailure(kind string) {
	observability.RecordParseFailure(kind)
	if d.mon != nil {
		d.mon.CountParseFailure()
	}
}

// isBid maps the wire side to a book side. Coinbase uses "bid"/"offer";
// "ask" is accepted as a synonym. Matching is case-insensitive.
func isBid(side string) bool {
	return strings.EqualFold(side, "bid")
}

func parseAggressor(side string) domain.AggressorSide {
	switch strings.ToUpper(side) {
	case "BUY":
		return domain.SideBuy
	case "SELL":
		return domain.SideSell
	default:
		return domain.SideUnknown
	}
}
