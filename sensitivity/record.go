package sensitivity

import "fmt"

// SensitivityRecord is one delta/gamma entry of a trade, or a cross gamma
// when Key2 is set.
type SensitivityRecord struct {
	TradeID  string
	IsPar    bool
	Key1     RiskFactorKey
	Desc1    string
	Shift1   float64
	Key2     RiskFactorKey
	Desc2    string
	Shift2   float64
	Currency string
	BaseNpv  float64
	Delta    float64
	Gamma    float64
}

func (r SensitivityRecord) IsCrossGamma() bool { return !r.Key2.IsZero() }

func (r SensitivityRecord) String() string {
	if r.IsCrossGamma() {
		return fmt.Sprintf("[%s, %s, %s, %g, %g]", r.TradeID, r.Key1, r.Key2, r.BaseNpv, r.Gamma)
	}
	return fmt.Sprintf("[%s, %s, %g, %g, %g]", r.TradeID, r.Key1, r.BaseNpv, r.Delta, r.Gamma)
}

// recordKey is what aggregation nets on.
type recordKey struct {
	tradeID    string
	key1, key2 RiskFactorKey
}

func (r SensitivityRecord) key() recordKey {
	return recordKey{tradeID: r.TradeID, key1: r.Key1, key2: r.Key2}
}

func (a recordKey) less(b recordKey) bool {
	if a.tradeID != b.tradeID {
		return a.tradeID < b.tradeID
	}
	if a.key1 != b.key1 {
		return a.key1.Less(b.key1)
	}
	return a.key2.Less(b.key2)
}
