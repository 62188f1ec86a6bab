package schema

import "strings"

// Instrument describes a tradeable perpetual swap contract as advertised
// by a venue's instrument catalogue.
type Instrument struct {
	Venue        Venue  `json:"venue"`
	Symbol       string `json:"symbol"`
	SettleCcy    string `json:"settle_ccy"`
	ContractType string `json:"contract_type"`
	State        string `json:"state"`
}

// IsLiveUSDTPerp reports whether the instrument is a live, USDT-settled
// perpetual swap — the filter applied to both venues' instrument feeds
// per the external-interfaces contract.
func (i Instrument) IsLiveUSDTPerp() bool {
	settle := strings.ToUpper(strings.TrimSpace(i.SettleCcy))
	if settle != "" && settle != "USDT" {
		return false
	}
	switch i.Venue.Normalize() {
	case VenueOKX:
		return strings.EqualFold(i.State, "live")
	case VenueBinance:
		return strings.EqualFold(i.ContractType, "PERPETUAL") && strings.EqualFold(i.State, "TRADING")
	default:
		return false
	}
}

// IsUSDTContract classifies an archive stream key's symbol segment as a
// Binance USDT-margined perpetual: it must end in the literal suffix
// "USDT" and must not also match the OKX key shape, which always embeds
// a dash (e.g. BTC-USDT-SWAP). The two shapes are disjoint by
// construction, so this check alone disambiguates venue from symbol.
func IsUSDTContract(symbol string) bool {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return false
	}
	if strings.Contains(trimmed, "-") {
		return false
	}
	return strings.HasSuffix(strings.ToUpper(trimmed), "USDT")
}
