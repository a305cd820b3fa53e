package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/nickmisasi/orchestrator-core/internal/config"
)

// perMillion is the unit every configured rate is expressed in.
var perMillion = decimal.NewFromInt(1_000_000)

// PriceSchedule resolves model names to per-million-token rates, parsed
// once from config.ModelPrice's decimal strings.
type PriceSchedule struct {
	rates map[string]modelRates
}

type modelRates struct {
	input      decimal.Decimal
	output     decimal.Decimal
	cacheRead  decimal.Decimal
	cacheWrite decimal.Decimal
}

// NewPriceSchedule parses the configured per-model prices. Malformed
// decimal strings are treated as zero for that field — configuration
// validation is expected to have already rejected a badly formed file.
func NewPriceSchedule(prices map[string]config.ModelPrice) *PriceSchedule {
	rates := make(map[string]modelRates, len(prices))
	for model, p := range prices {
		rates[model] = modelRates{
			input:      parseOrZero(p.Input),
			output:     parseOrZero(p.Output),
			cacheRead:  parseOrZero(p.CacheRead),
			cacheWrite: parseOrZero(p.CacheWrite),
		}
	}
	return &PriceSchedule{rates: rates}
}

func parseOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Cost computes the fixed-point cost (six fractional digits, rounded up)
// of the given token deltas for model. ok is false if model has no
// configured price — the caller is responsible for emitting
// cost.unknown_model in that case.
func (p *PriceSchedule) Cost(model string, inputTokens, outputTokens, cacheRead, cacheWrite int64) (decimal.Decimal, bool) {
	rates, ok := p.rates[model]
	if !ok {
		return decimal.Zero, false
	}

	cost := decimal.Zero
	cost = cost.Add(rates.input.Mul(decimal.NewFromInt(inputTokens)).Div(perMillion))
	cost = cost.Add(rates.output.Mul(decimal.NewFromInt(outputTokens)).Div(perMillion))
	cost = cost.Add(rates.cacheRead.Mul(decimal.NewFromInt(cacheRead)).Div(perMillion))
	cost = cost.Add(rates.cacheWrite.Mul(decimal.NewFromInt(cacheWrite)).Div(perMillion))

	return cost.RoundCeil(6), true
}
