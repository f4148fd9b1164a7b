package simulator

import "math"

// DC pack voltage model: sigmoid-shaped open-circuit voltage over state of
// charge, for a fixed number of Li-ion cells in series.
const (
	cellVoltageMin = 3.2
	cellVoltageMax = 4.2
	packCellCount  = 108
)

func cellVoltage(soc float64) float64 {
	plateau := 0.95 - 0.25/(1+math.Exp(20*(soc-0.5)))
	return cellVoltageMin + (cellVoltageMax-cellVoltageMin)*plateau
}

// packVoltage returns the DC pack voltage for a state of charge given in
// percent [0, 100].
func packVoltage(socPct float64) float64 {
	soc := math.Max(0, math.Min(100, socPct)) / 100.0
	return cellVoltage(soc) * packCellCount
}
