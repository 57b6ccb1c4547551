package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSide(t *testing.T) {
	assert.Equal(t, SideShort, SideLong.Opposite())
	assert.Equal(t, SideLong, SideShort.Opposite())
	assert.Equal(t, 1.0, SideLong.Sign())
	assert.Equal(t, -1.0, SideShort.Sign())
	assert.Equal(t, SideLong, SideFromQuantity(0.5))
	assert.Equal(t, SideShort, SideFromQuantity(-0.5))
}

func TestPosition_Close(t *testing.T) {
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	long := &Position{Side: SideLong, EntryPrice: 100, Quantity: 2, Status: StatusOpen}
	long.Close(110, at, "time_exit")
	assert.False(t, long.IsOpen())
	assert.InDelta(t, 20, long.RealizedPnL, 1e-9)
	assert.Equal(t, at, long.ClosedAt)
	assert.Equal(t, "time_exit", long.CloseReason)

	short := &Position{Side: SideShort, EntryPrice: 100, Quantity: 2, Status: StatusOpen}
	short.Close(110, at, "reconcile_stale")
	assert.InDelta(t, -20, short.RealizedPnL, 1e-9)
}

func TestPosition_MarkPrice(t *testing.T) {
	p := &Position{EntryPrice: 100}
	assert.Equal(t, 100.0, p.MarkPrice())
	p.CurrentPrice = 105
	assert.Equal(t, 105.0, p.MarkPrice())
}

func TestNetQuantities(t *testing.T) {
	net := NetQuantities([]BrokerPosition{
		{Symbol: "BTCUSDT", SignedQuantity: 1},
		{Symbol: "BTCUSDT", SignedQuantity: -0.4},
		{Symbol: "ETHUSDT", SignedQuantity: -2},
		{Symbol: "", SignedQuantity: 5},
	})
	assert.Len(t, net, 2)
	assert.InDelta(t, 0.6, net["BTCUSDT"], 1e-9)
	assert.Equal(t, -2.0, net["ETHUSDT"])
}
