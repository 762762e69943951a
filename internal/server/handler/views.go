package handler

import (
	"time"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// marketView is the JSON shape of a market. Wei amounts are decimal strings.
type marketView struct {
	ID               uint64        `json:"id"`
	Asset            string        `json:"asset"`
	TargetPrice      domain.Price  `json:"target_price"`
	Creator          string        `json:"creator"`
	CreatedAt        time.Time     `json:"created_at"`
	EndTime          time.Time     `json:"end_time"`
	State            string        `json:"state"`
	Active           bool          `json:"active"`
	Settled          bool          `json:"settled"`
	TotalPool        string        `json:"total_pool"`
	ParticipantCount uint64        `json:"participant_count"`
	SettlementPrice  *domain.Price `json:"settlement_price,omitempty"`
	OutcomeAbove     *bool         `json:"outcome_above,omitempty"`
	WinningStake     string        `json:"winning_stake,omitempty"`
	SettledAt        *time.Time    `json:"settled_at,omitempty"`
}

func newMarketView(info domain.MarketInfo) marketView {
	v := marketView{
		ID:               info.ID,
		Asset:            info.Asset,
		TargetPrice:      info.TargetPrice,
		Creator:          info.Creator.Hex(),
		CreatedAt:        info.CreatedAt,
		EndTime:          info.EndTime,
		State:            string(info.State),
		Active:           info.Active,
		Settled:          info.Settled,
		TotalPool:        domain.AmountString(info.TotalPool),
		ParticipantCount: info.ParticipantCount,
		SettlementPrice:  info.SettlementPrice,
		OutcomeAbove:     info.OutcomeAbove,
		SettledAt:        info.SettledAt,
	}
	if info.Settled {
		v.WinningStake = domain.AmountString(info.WinningStake)
	}
	return v
}

func settledView(m domain.Market, now time.Time) marketView {
	return newMarketView(m.Info(now))
}
