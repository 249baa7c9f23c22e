package engine

import "alertbot/internal/market"

// FilterBatch applies the recipient's category toggles and the large
// transfer notional floor. Transfers whose amount does not parse are kept;
// a formatting change upstream must not silently mute the stream.
func FilterBatch(s market.Settings, b market.Batch) market.Batch {
	var out market.Batch
	if s.News {
		out.News = b.News
	}
	if s.Transfer {
		for _, it := range b.Transfers {
			if market.BelowTransferFloor(it.Amount) {
				continue
			}
			out.Transfers = append(out.Transfers, it)
		}
	}
	if s.FundFlow {
		out.FundFlows = b.FundFlows
	}
	return out
}
