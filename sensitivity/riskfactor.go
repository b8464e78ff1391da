package sensitivity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidKey = errors.New("invalid risk factor key")

// KeyType is the class of a risk factor.
type KeyType int

const (
	None KeyType = iota
	DiscountCurve
	YieldCurve
	IndexCurve
	SwaptionVolatility
	FXSpot
	FXVolatility
	EquitySpot
	EquityVolatility
	DividendYield
	SurvivalProbability
	RecoveryRate
	CDSVolatility
	ZeroInflationCurve
	CPIIndex
)

var keyTypeNames = map[KeyType]string{
	None:                "None",
	DiscountCurve:       "DiscountCurve",
	YieldCurve:          "YieldCurve",
	IndexCurve:          "IndexCurve",
	SwaptionVolatility:  "SwaptionVolatility",
	FXSpot:              "FXSpot",
	FXVolatility:        "FXVolatility",
	EquitySpot:          "EquitySpot",
	EquityVolatility:    "EquityVolatility",
	DividendYield:       "DividendYield",
	SurvivalProbability: "SurvivalProbability",
	RecoveryRate:        "RecoveryRate",
	CDSVolatility:       "CDSVolatility",
	ZeroInflationCurve:  "ZeroInflationCurve",
	CPIIndex:            "CPIIndex",
}

func (t KeyType) String() string {
	if s, ok := keyTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("KeyType(%d)", int(t))
}

func ParseKeyType(s string) (KeyType, error) {
	for t, name := range keyTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return None, fmt.Errorf("%w: unknown key type %q", ErrInvalidKey, s)
}

// RiskFactorKey identifies one market risk factor, e.g. the fourth pillar
// of the USD discount curve. The zero key has type None and means absent.
type RiskFactorKey struct {
	Type  KeyType
	Name  string
	Index int
}

func (k RiskFactorKey) IsZero() bool { return k.Type == None }

// String renders Type/Name/Index.
func (k RiskFactorKey) String() string {
	return k.Type.String() + "/" + k.Name + "/" + strconv.Itoa(k.Index)
}

// Less orders keys by type, then name, then index.
func (k RiskFactorKey) Less(o RiskFactorKey) bool {
	if k.Type != o.Type {
		return k.Type < o.Type
	}
	if k.Name != o.Name {
		return k.Name < o.Name
	}
	return k.Index < o.Index
}

// ParseRiskFactorKey reads the Type/Name/Index form. Names may contain
// slashes, the index is taken after the last one.
func ParseRiskFactorKey(s string) (RiskFactorKey, error) {
	first := strings.Index(s, "/")
	last := strings.LastIndex(s, "/")
	if first < 0 || first == last {
		return RiskFactorKey{}, fmt.Errorf("%w: %q is not Type/Name/Index", ErrInvalidKey, s)
	}
	t, err := ParseKeyType(s[:first])
	if err != nil {
		return RiskFactorKey{}, err
	}
	idx, err := strconv.Atoi(s[last+1:])
	if err != nil || idx < 0 {
		return RiskFactorKey{}, fmt.Errorf("%w: bad index in %q", ErrInvalidKey, s)
	}
	return RiskFactorKey{Type: t, Name: s[first+1 : last], Index: idx}, nil
}

// CrossPair is an ordered pair of keys, the smaller one first.
type CrossPair struct {
	First, Second RiskFactorKey
}

func NewCrossPair(a, b RiskFactorKey) CrossPair {
	if b.Less(a) {
		a, b = b, a
	}
	return CrossPair{First: a, Second: b}
}
