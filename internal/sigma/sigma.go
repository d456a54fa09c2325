// Package sigma converts raw defect counts into discrete sigma levels used by
// the quality gate. All functions are pure and safe for concurrent use.
package sigma

// GateThreshold is the minimum sigma level a category must average to be
// considered compliant.
const GateThreshold = 4.0

// dpmoLevels maps ascending DPMO ceilings to sigma levels. Lookup uses <=
// against each ceiling in order; anything above the last ceiling is level 1.
var dpmoLevels = []struct {
	ceiling float64
	level   float64
}{
	{3.4, 6.0},
	{233, 5.0},
	{6210, 4.0},
	{66807, 3.0},
	{308537, 2.0},
}

// DPMO normalizes a (defects, opportunities) pair to defects per million
// opportunities. Zero or negative opportunities yield zero.
func DPMO(defects, opportunities float64) float64 {
	if opportunities <= 0 {
		return 0
	}
	return defects / opportunities * 1_000_000
}

// Level computes the discrete sigma level for a (defects, opportunities)
// pair. With no opportunities there is no evidence of defects, so the best
// level is returned by convention; callers must treat such samples as
// non-authoritative.
func Level(defects, opportunities float64) float64 {
	if opportunities <= 0 {
		return 6.0
	}
	dpmo := DPMO(defects, opportunities)
	for _, entry := range dpmoLevels {
		if dpmo <= entry.ceiling {
			return entry.level
		}
	}
	return 1.0
}

// PassesGate reports whether a sigma level clears the compliance gate.
func PassesGate(level float64) bool {
	return level >= GateThreshold
}
