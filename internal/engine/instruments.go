package engine

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"cryptoengine/pkg/types"
)

// defaultMinNotional is the minimum order notional (in quote currency,
// typically KRW) applied to every parsed instrument that doesn't carry its
// own override. It mirrors the exchange's own spot minimum-order floor.
var defaultMinNotional = decimal.NewFromInt(5000)

// parseInstruments turns the configured target_instruments strings into
// types.Instrument values. Accepted shapes: "BTC-KRW" (spot) and
// "BTC-KRW-PERP" (derivative, suffix "-PERP", eligible for SHORT).
func parseInstruments(targets []string) ([]types.Instrument, error) {
	out := make([]types.Instrument, 0, len(targets))
	for _, raw := range targets {
		target := strings.TrimSpace(raw)
		if target == "" {
			continue
		}
		parts := strings.Split(target, "-")
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid target instrument %q: expected SYMBOL-QUOTE[-SUFFIX]", raw)
		}

		inst := types.Instrument{
			Symbol:      parts[0],
			Quote:       parts[1],
			MinNotional: defaultMinNotional,
			TickSize:    decimal.NewFromFloat(1),
			StepSize:    decimal.NewFromFloat(0.00000001),
			DisplayName: target,
		}
		if len(parts) >= 3 {
			inst.DerivativeSuffix = "-" + strings.Join(parts[2:], "-")
		}
		out = append(out, inst)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no target instruments configured")
	}
	return out, nil
}
