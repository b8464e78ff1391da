package sensitivity

import "github.com/bcdannyboy/xvacube/report"

// WriteReport writes every record of ss, one row each. Cross gamma rows
// carry both factors and leave Delta at zero.
func WriteReport(ss SensitivityStream, r report.Report) error {
	r.AddColumn("TradeId", report.String, 0).
		AddColumn("IsPar", report.String, 0).
		AddColumn("Factor_1", report.String, 0).
		AddColumn("ShiftSize_1", report.Float, 6).
		AddColumn("Factor_2", report.String, 0).
		AddColumn("ShiftSize_2", report.Float, 6).
		AddColumn("Currency", report.String, 0).
		AddColumn("Base NPV", report.Float, 2).
		AddColumn("Delta", report.Float, 2).
		AddColumn("Gamma", report.Float, 2)
	ss.Reset()
	for rec, ok := ss.Next(); ok; rec, ok = ss.Next() {
		factor2 := ""
		if rec.IsCrossGamma() {
			factor2 = rec.Key2.String()
		}
		par := "N"
		if rec.IsPar {
			par = "Y"
		}
		r.Next().
			Add(rec.TradeID).
			Add(par).
			Add(rec.Key1.String()).
			Add(rec.Shift1).
			Add(factor2).
			Add(rec.Shift2).
			Add(rec.Currency).
			Add(rec.BaseNpv).
			Add(rec.Delta).
			Add(rec.Gamma)
	}
	ss.Reset()
	return r.End()
}
