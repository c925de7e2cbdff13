package quota

// Direction tags how a usage change relates to one threshold.
type Direction int

const (
	// NotCrossed means the change stayed on one side of the threshold.
	NotCrossed Direction = iota
	// CrossedUp means usage rose from below the threshold to at-or-above it.
	CrossedUp
	// CrossedDown means usage fell from at-or-above the threshold to below it.
	CrossedDown
)

// Crossing describes one threshold crossed by a usage change.
type Crossing struct {
	Threshold float64
	Direction Direction
}

// DiffThresholds returns the thresholds crossed between prev and curr usage
// percent. Detection is edge-triggered: a threshold appears only when the
// change moved across it, never merely because curr sits above it.
func DiffThresholds(prev, curr float64, thresholds []float64) []Crossing {
	if prev == curr {
		return nil
	}
	var out []Crossing
	for _, th := range thresholds {
		if th <= 0 {
			continue
		}
		switch {
		case prev < th && curr >= th:
			out = append(out, Crossing{Threshold: th, Direction: CrossedUp})
		case prev >= th && curr < th:
			out = append(out, Crossing{Threshold: th, Direction: CrossedDown})
		}
	}
	return out
}
