package domain

// Coinbase Advanced Trade channel names.
const (
	// Subscription channels (outbound frames).
	ChannelLevel2       = "level2"
	ChannelMarketTrades = "market_trades"

	// Inbound frame channels. Level2 data arrives tagged "l2_data",
	// not "level2".
	ChannelL2Data        = "l2_data"
	ChannelSubscriptions = "subscriptions"
)

// DefaultChannels is the full channel set subscribed when none are configured.
var DefaultChannels = []string{ChannelLevel2, ChannelMarketTrades}
