package sigma

import "testing"

func TestLevelThresholds(t *testing.T) {
	cases := []struct {
		name          string
		defects       float64
		opportunities float64
		want          float64
	}{
		{name: "perfect", defects: 0, opportunities: 1_000_000, want: 6.0},
		{name: "world class boundary", defects: 3.4, opportunities: 1_000_000, want: 6.0},
		{name: "just above world class", defects: 4, opportunities: 1_000_000, want: 5.0},
		{name: "dpmo 100", defects: 100, opportunities: 1_000_000, want: 5.0},
		{name: "level five boundary", defects: 233, opportunities: 1_000_000, want: 5.0},
		{name: "level four boundary", defects: 6210, opportunities: 1_000_000, want: 4.0},
		{name: "level three boundary", defects: 66807, opportunities: 1_000_000, want: 3.0},
		{name: "level two boundary", defects: 308537, opportunities: 1_000_000, want: 2.0},
		{name: "worst case", defects: 900_000, opportunities: 1_000_000, want: 1.0},
		{name: "total failure", defects: 1, opportunities: 1, want: 1.0},
		{name: "small sample", defects: 1, opportunities: 10_000, want: 5.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Level(tc.defects, tc.opportunities); got != tc.want {
				t.Fatalf("Level(%v, %v) = %v, want %v", tc.defects, tc.opportunities, got, tc.want)
			}
		})
	}
}

func TestLevelZeroOpportunities(t *testing.T) {
	for _, defects := range []float64{0, 1, 500} {
		if got := Level(defects, 0); got != 6.0 {
			t.Fatalf("Level(%v, 0) = %v, want 6.0", defects, got)
		}
	}
	if got := Level(1, -5); got != 6.0 {
		t.Fatalf("Level(1, -5) = %v, want 6.0", got)
	}
}

func TestLevelZeroDefects(t *testing.T) {
	for _, opportunities := range []float64{1, 100, 1_000_000} {
		if got := Level(0, opportunities); got != 6.0 {
			t.Fatalf("Level(0, %v) = %v, want 6.0", opportunities, got)
		}
	}
}

func TestLevelMonotonicNonIncreasing(t *testing.T) {
	const opportunities = 1_000_000
	previous := 7.0
	for defects := float64(0); defects <= opportunities; defects += 997 {
		level := Level(defects, opportunities)
		if level > previous {
			t.Fatalf("Level increased from %v to %v at defects=%v", previous, level, defects)
		}
		previous = level
	}
}

func TestLevelAlwaysDiscrete(t *testing.T) {
	valid := map[float64]bool{1.0: true, 2.0: true, 3.0: true, 4.0: true, 5.0: true, 6.0: true}
	for defects := float64(0); defects < 100; defects++ {
		for _, opportunities := range []float64{1, 10, 1000, 1_000_000} {
			level := Level(defects, opportunities)
			if !valid[level] {
				t.Fatalf("Level(%v, %v) = %v, not a discrete sigma level", defects, opportunities, level)
			}
		}
	}
}

func TestDPMO(t *testing.T) {
	if got := DPMO(100, 1_000_000); got != 100 {
		t.Fatalf("DPMO(100, 1e6) = %v, want 100", got)
	}
	if got := DPMO(1, 1000); got != 1000 {
		t.Fatalf("DPMO(1, 1000) = %v, want 1000", got)
	}
	if got := DPMO(5, 0); got != 0 {
		t.Fatalf("DPMO(5, 0) = %v, want 0", got)
	}
}

func TestPassesGate(t *testing.T) {
	cases := []struct {
		level float64
		want  bool
	}{
		{6.0, true},
		{5.0, true},
		{4.0, true},
		{3.0, false},
		{1.0, false},
	}
	for _, tc := range cases {
		if got := PassesGate(tc.level); got != tc.want {
			t.Fatalf("PassesGate(%v) = %v, want %v", tc.level, got, tc.want)
		}
	}
}
