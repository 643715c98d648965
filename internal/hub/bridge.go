package hub

import (
	"github.com/avendel/cryptodesk/internal/events"
)

// BindBus routes internal events onto socket topics. Portfolio and order
// events go to the owning user; market data is broadcast; signal and
// strategy changes land on the user's notifications feed.
func (h *Hub) BindBus(bus *events.Bus) {
	bus.Subscribe(events.PortfolioChanged, func(e *events.Event) {
		h.SendToUser(e.UserID, TopicPortfolio, "portfolio_update", e.Data)
	})
	bus.Subscribe(events.OrderExecuted, func(e *events.Event) {
		h.SendToUser(e.UserID, TopicOrders, "order_executed", e.Data)
	})
	bus.Subscribe(events.MarketDataUpdated, func(e *events.Event) {
		h.BroadcastToSubscribers(TopicMarketData, "market_data_update", e.Data)
	})
	bus.Subscribe(events.SignalGenerated, func(e *events.Event) {
		h.SendToUser(e.UserID, TopicNotifications, "signal_generated", e.Data)
	})
	bus.Subscribe(events.StrategyChanged, func(e *events.Event) {
		h.SendToUser(e.UserID, TopicNotifications, "strategy_changed", e.Data)
	})
	bus.Subscribe(events.ErrorOccurred, func(e *events.Event) {
		h.SendToUser(e.UserID, TopicNotifications, "error", e.Data)
	})
}
