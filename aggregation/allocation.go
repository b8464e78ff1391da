package aggregation

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrUnknownAllocationMethod = errors.New("unknown allocation method")
	ErrAllocationUndefined     = errors.New("allocation undefined")
)

// AllocationMethod selects how netting set exposure is split over its
// trades.
type AllocationMethod int

const (
	NoAllocation AllocationMethod = iota
	// MarginalAllocation splits the exposure of each path in proportion to
	// the trade values on that path.
	MarginalAllocation
	// RelativeFairValueNet splits EPE over trades with positive value today
	// and ENE over trades with negative value today.
	RelativeFairValueNet
	// RelativeFairValueGross splits both profiles by trade value today over
	// the netting set value today.
	RelativeFairValueGross
	// RelativeXVA splits EPE by stand alone CVA and ENE by stand alone DVA.
	RelativeXVA
)

func (m AllocationMethod) String() string {
	switch m {
	case NoAllocation:
		return "None"
	case MarginalAllocation:
		return "Marginal"
	case RelativeFairValueNet:
		return "RelativeFairValueNet"
	case RelativeFairValueGross:
		return "RelativeFairValueGross"
	case RelativeXVA:
		return "RelativeXVA"
	}
	return fmt.Sprintf("AllocationMethod(%d)", int(m))
}

func ParseAllocationMethod(s string) (AllocationMethod, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return NoAllocation, nil
	case "marginal":
		return MarginalAllocation, nil
	case "relativefairvaluenet":
		return RelativeFairValueNet, nil
	case "relativefairvaluegross":
		return RelativeFairValueGross, nil
	case "relativexva":
		return RelativeXVA, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAllocationMethod, s)
}

// AllocatedExposure is the share of netting set EPE and ENE carried by one
// trade, on the same dates as the netting set profile.
type AllocatedExposure struct {
	EPE []float64
	ENE []float64
}

// Allocations are allocated exposures by trade id.
type Allocations map[string]*AllocatedExposure

func (a Allocations) get(tradeID string, n int) *AllocatedExposure {
	ae, ok := a[tradeID]
	if !ok {
		ae = &AllocatedExposure{EPE: make([]float64, n), ENE: make([]float64, n)}
		a[tradeID] = ae
	}
	return ae
}

// allocationTrade is a trade as seen by the value based methods.
type allocationTrade struct {
	id         string
	valueToday float64
	cva, dva   float64
}

// marginalShare is the part of a path exposure carried by a trade. The
// share follows the trade value, falls back to an equal split when the
// netting set value is within limit of zero, and is the trade value
// itself when no collateral is held.
func marginalShare(exposure, nettingSetValue, tradeValue, balance, limit float64, trades int) float64 {
	switch {
	case balance == 0:
		return tradeValue
	case math.Abs(nettingSetValue) <= limit:
		return exposure / float64(trades)
	default:
		return exposure * tradeValue / nettingSetValue
	}
}

// addMarginal books a path share into EPE when the netting set exposure is
// positive and into ENE otherwise.
func (ae *AllocatedExposure) addMarginal(j int, exposure, share, weight float64) {
	if exposure > 0 {
		ae.EPE[j] += share * weight
	} else {
		ae.ENE[j] -= share * weight
	}
}

// allocateByValue applies one of the value based methods to a netting set
// profile.
func allocateByValue(method AllocationMethod, ns string, net *ExposureProfile, trades []allocationTrade, out Allocations) error {
	n := len(net.EPE)
	var pos, neg, total, sumCva, sumDva float64
	for _, t := range trades {
		pos += math.Max(t.valueToday, 0)
		neg += math.Max(-t.valueToday, 0)
		total += t.valueToday
		sumCva += t.cva
		sumDva += t.dva
	}
	switch method {
	case RelativeFairValueNet:
		if pos == 0 || neg == 0 {
			return fmt.Errorf("%w: %s needs trades of both signs for %s", ErrAllocationUndefined, ns, method)
		}
	case RelativeFairValueGross:
		if total == 0 {
			return fmt.Errorf("%w: %s has zero value today for %s", ErrAllocationUndefined, ns, method)
		}
	case RelativeXVA:
	default:
		return fmt.Errorf("%w: %s is not value based", ErrUnknownAllocationMethod, method)
	}
	for _, t := range trades {
		ae := out.get(t.id, n)
		var we, wn float64
		switch method {
		case RelativeFairValueNet:
			we = math.Max(t.valueToday, 0) / pos
			wn = math.Max(-t.valueToday, 0) / neg
		case RelativeFairValueGross:
			we = t.valueToday / total
			wn = we
		case RelativeXVA:
			if sumCva != 0 {
				we = t.cva / sumCva
			}
			if sumDva != 0 {
				wn = t.dva / sumDva
			}
		}
		for j := 0; j < n; j++ {
			ae.EPE[j] = net.EPE[j] * we
			ae.ENE[j] = net.ENE[j] * wn
		}
	}
	return nil
}
