package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pattty847/Sentinel-sub000/internal/domain"
	"github.com/pattty847/Sentinel-sub000/internal/monitor"
)

var arrival = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestDecoder_TradeFrame(t *testing.T) {
	d := NewDecoder(nil, nil)
	raw := []byte(`{
		"channel": "market_trades",
		"timestamp": "2024-01-01T12:00:00.123456789Z",
		"sequence_num": 7,
		"events": [{
			"type": "update",
			"trades": [{
				"trade_id": "123456",
				"product_id": "BTC-USD",
				"price": "42001.50",
				"size": "0.0525",
				"side": "BUY",
				"time": "2024-01-01T12:00:00.123456789Z"
			}]
		}]
	}`)

	events, err := d.Decode(raw, arrival)
	require.NoError(t, err)
	require.Len(t, events, 1)

	te, ok := events[0].(TradeEvent)
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", te.Trade.ProductID)
	assert.Equal(t, "123456", te.Trade.TradeID)
	assert.Equal(t, domain.SideBuy, te.Trade.Side)
	assert.InDelta(t, 42001.50, te.Trade.Price, 1e-9)
	assert.InDelta(t, 0.0525, te.Trade.Size, 1e-9)

	// Timestamps are truncated to microsecond precision.
	want := time.Date(2024, 1, 1, 12, 0, 0, 123456000, time.UTC)
	assert.Equal(t, want, te.Trade.Timestamp)
}

func TestDecoder_TradeSideCaseInsensitive(t *testing.T) {
	d := NewDecoder(nil, nil)
	for wire, want := range map[string]domain.AggressorSide{
		"BUY": domain.SideBuy, "buy": domain.SideBuy,
		"SELL": domain.SideSell, "sell": domain.SideSell,
		"HOLD": domain.SideUnknown, "": domain.SideUnknown,
	} {
		raw := []byte(`{"channel":"market_trades","events":[{"trades":[{"trade_id":"1","product_id":"X-USD","price":"1","size":"1","side":"` + wire + `"}]}]}`)
		events, err := d.Decode(raw, arrival)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, want, events[0].(TradeEvent).Trade.Side, "side %q", wire)
	}
}

func TestDecoder_BookSnapshot(t *testing.T) {
	d := NewDecoder(nil, nil)
	raw := []byte(`{
		"channel": "l2_data",
		"timestamp": "2024-01-01T12:00:00Z",
		"events": [{
			"type": "snapshot",
			"product_id": "BTC-USD",
			"updates": [
				{"side": "bid", "price_level": "100.00", "new_quantity": "1.0"},
				{"side": "bid", "price_level": "99.99", "new_quantity": "2.0"},
				{"side": "offer", "price_level": "100.01", "new_quantity": "0.5"}
			]
		}]
	}`)

	events, err := d.Decode(raw, arrival)
	require.NoError(t, err)
	require.Len(t, events, 1)

	snap, ok := events[0].(BookSnapshotEvent)
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", snap.ProductID)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 1)
	assert.InDelta(t, 100.01, snap.Asks[0].Price, 1e-9)
}

func TestDecoder_BookUpdateOfferIsAsk(t *testing.T) {
	d := NewDecoder(nil, nil)
	raw := []byte(`{
		"channel": "l2_data",
		"timestamp": "2024-01-01T12:00:00Z",
		"events": [{
			"type": "update",
			"product_id": "ETH-USD",
			"updates": [
				{"side": "offer", "price_level": "2000.00", "new_quantity": "3.0"},
				{"side": "ask", "price_level": "2000.50", "new_quantity": "1.0"},
				{"side": "bid", "price_level": "1999.00", "new_quantity": "0"}
			]
		}]
	}`)

	events, err := d.Decode(raw, arrival)
	require.NoError(t, err)
	require.Len(t, events, 1)

	up, ok := events[0].(BookUpdateEvent)
	require.True(t, ok)
	require.Len(t, up.Updates, 3)
	assert.False(t, up.Updates[0].Bid)
	assert.False(t, up.Updates[1].Bid)
	assert.True(t, up.Updates[2].Bid)
	assert.Zero(t, up.Updates[2].Size)
}

func TestDecoder_SubscriptionAck(t *testing.T) {
	d := NewDecoder(nil, nil)
	raw := []byte(`{
		"channel": "subscriptions",
		"timestamp": "2024-01-01T12:00:00Z",
		"events": [{
			"subscriptions": {"market_trades": ["BTC-USD", "ETH-USD"], "level2": ["BTC-USD"]}
		}]
	}`)

	events, err := d.Decode(raw, arrival)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ack, ok := events[0].(SubscriptionAckEvent)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"BTC-USD", "ETH-USD"}, ack.Channels["market_trades"])
	assert.ElementsMatch(t, []string{"BTC-USD"}, ack.Channels["level2"])
}

func TestDecoder_ProviderError(t *testing.T) {
	d := NewDecoder(nil, nil)
	raw := []byte(`{"type": "error", "message": "authentication failure"}`)

	events, err := d.Decode(raw, arrival)
	require.NoError(t, err)
	require.Len(t, events, 1)

	pe, ok := events[0].(ProviderErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "authentication failure", pe.Message)
}

func TestDecoder_MalformedFrame(t *testing.T) {
	mon := monitor.New(nil)
	d := NewDecoder(nil, mon)

	_, err := d.Decode([]byte(`{not json`), arrival)
	assert.Error(t, err)
	assert.Equal(t, uint64(1), mon.Snapshot().DecodeErrors)
}

func TestDecoder_MalformedTailReturnsDecodedHead(t *testing.T) {
	d := NewDecoder(nil, nil)
	raw := []byte(`{"channel":"market_trades","events":[
		{"trades":[{"trade_id":"1","product_id":"X-USD","price":"10","size":"1","side":"BUY"}]},
		"bogus"]}`)

	events, err := d.Decode(raw, arrival)
	assert.Error(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "1", events[0].(TradeEvent).Trade.TradeID)
}

func TestDecoder_BadQuantityDegradesToZero(t *testing.T) {
	mon := monitor.New(nil)
	d := NewDecoder(nil, mon)
	raw := []byte(`{"channel":"market_trades","events":[{"trades":[{"trade_id":"1","product_id":"X-USD","price":"10","size":"not-a-number","side":"BUY"}]}]}`)

	events, err := d.Decode(raw, arrival)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Zero(t, events[0].(TradeEvent).Trade.Size)
	assert.Equal(t, uint64(1), mon.Snapshot().ParseFailures)
}

func TestDecoder_NegativePriceDropped(t *testing.T) {
	d := NewDecoder(nil, nil)
	raw := []byte(`{"channel":"market_trades","events":[{"trades":[{"trade_id":"1","product_id":"X-USD","price":"-10","size":"1","side":"BUY"}]}]}`)

	events, err := d.Decode(raw, arrival)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecoder_BadTimeFallsBackToArrival(t *testing.T) {
	mon := monitor.New(nil)
	d := NewDecoder(nil, mon)
	raw := []byte(`{"channel":"market_trades","events":[{"trades":[{"trade_id":"1","product_id":"X-USD","price":"10","size":"1","side":"BUY","time":"yesterday"}]}]}`)

	events, err := d.Decode(raw, arrival)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, arrival, events[0].(TradeEvent).Trade.Timestamp)
	assert.Equal(t, uint64(1), mon.Snapshot().ParseFailures)
}

func TestDecoder_UnknownChannelSkipped(t *testing.T) {
	d := NewDecoder(nil, nil)
	events, err := d.Decode([]byte(`{"channel":"heartbeats","events":[]}`), arrival)
	assert.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecoder_MissingChannelIsError(t *testing.T) {
	d := NewDecoder(nil, nil)
	_, err := d.Decode([]byte(`{"events":[]}`), arrival)
	assert.Error(t, err)
}
