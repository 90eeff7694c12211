package indicators

// VolumeStats summarizes recent volume behavior
type VolumeStats struct {
	Current float64 `json:"current"`
	Average float64 `json:"average"`
	Ratio   float64 `json:"ratio"` // current / average
}

// Volumes returns the latest volume against its rolling average over
// period bars. Zero stats when the window is shorter than the period.
func Volumes(volumes []float64, period int) VolumeStats {
	if period < 1 || len(volumes) < period {
		return VolumeStats{}
	}
	current := volumes[len(volumes)-1]
	sum := 0.0
	for _, v := range volumes[len(volumes)-period:] {
		sum += v
	}
	avg := sum / float64(period)

	ratio := 0.0
	if avg > 0 {
		ratio = current / avg
	}
	return VolumeStats{Current: current, Average: avg, Ratio: ratio}
}
