package portfolio

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

type BSMResult struct {
	Price     float64
	Delta     float64
	Gamma     float64
	Theta     float64
	Vega      float64
	Rho       float64
	SkewGamma float64
}

// calculateBSM prices a European option with continuous dividend yield q.
// At or past expiry it returns the intrinsic value.
func calculateBSM(S, K, T, r, q, sigma float64, isCall bool) BSMResult {
	if T <= 0 || sigma <= 0 {
		return BSMResult{Price: intrinsic(S, K, T, r, q, isCall)}
	}
	sqrtT := math.Sqrt(T)
	d1 := (math.Log(S/K) + (r-q+0.5*sigma*sigma)*T) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	dq, dr := math.Exp(-q*T), math.Exp(-r*T)
	n := distuv.UnitNormal

	var res BSMResult
	if isCall {
		res.Price = S*dq*n.CDF(d1) - K*dr*n.CDF(d2)
		res.Delta = dq * n.CDF(d1)
		res.Rho = K * T * dr * n.CDF(d2)
		res.Theta = -S*dq*n.Prob(d1)*sigma/(2*sqrtT) + q*S*dq*n.CDF(d1) - r*K*dr*n.CDF(d2)
	} else {
		res.Price = K*dr*n.CDF(-d2) - S*dq*n.CDF(-d1)
		res.Delta = -dq * n.CDF(-d1)
		res.Rho = -K * T * dr * n.CDF(-d2)
		res.Theta = -S*dq*n.Prob(d1)*sigma/(2*sqrtT) - q*S*dq*n.CDF(-d1) + r*K*dr*n.CDF(-d2)
	}
	res.Gamma = dq * n.Prob(d1) / (S * sigma * sqrtT)
	res.Vega = S * dq * n.Prob(d1) * sqrtT
	res.SkewGamma = res.Vega * d1 * d2 / sigma
	return res
}

func intrinsic(S, K, T, r, q float64, isCall bool) float64 {
	T = math.Max(T, 0)
	fwd := S*math.Exp(-q*T) - K*math.Exp(-r*T)
	if isCall {
		return math.Max(fwd, 0)
	}
	return math.Max(-fwd, 0)
}
