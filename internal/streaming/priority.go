package streaming

// PriorityParams are the tunables of the priority function.
type PriorityParams struct {
	// DetailLevelWeight is the boost per detail level.
	DetailLevelWeight float64
	// PressureThreshold is the budget fraction above which priorities are dampened.
	PressureThreshold float64
	// PressureDampening multiplies every priority while over PressureThreshold.
	PressureDampening float64
}

func DefaultPriorityParams() PriorityParams {
	return PriorityParams{
		DetailLevelWeight: 0.1,
		PressureThreshold: 0.8,
		PressureDampening: 0.5,
	}
}

// Priority scores a candidate: closer is higher, coarser detail levels get a
// small boost, and everything is dampened while memory is under pressure.
//
//	1/(1+distance) * (1 + detail*weight) * dampening
func (p PriorityParams) Priority(distance float64, detailLevel int, memoryPressure float64) float64 {
	if distance < 0 {
		distance = 0
	}
	if detailLevel < 0 {
		detailLevel = 0
	}
	score := 1 / (1 + distance) * (1 + float64(detailLevel)*p.DetailLevelWeight)
	if memoryPressure > p.PressureThreshold {
		score *= p.PressureDampening
	}
	return score
}
