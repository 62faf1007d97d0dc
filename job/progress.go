package job

import (
	"regexp"
	"strconv"
)

var (
	percentRe  = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	timeRe     = regexp.MustCompile(`time=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// progressTracker turns tool output into a best-effort percentage.
// It never drives state; status is the only authority.
type progressTracker struct {
	totalSeconds float64
}

// observe returns the new progress and true if the line carried one.
func (p *progressTracker) observe(line string) (float64, bool) {
	if m := durationRe.FindStringSubmatch(line); m != nil {
		p.totalSeconds = hmsSeconds(m[1], m[2], m[3])
		return 0, false
	}
	if m := timeRe.FindStringSubmatch(line); m != nil && p.totalSeconds > 0 {
		return clampPercent(hmsSeconds(m[1], m[2], m[3]) / p.totalSeconds * 100), true
	}
	if m := percentRe.FindStringSubmatch(line); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil && v <= 100 {
			return v, true
		}
	}
	return 0, false
}

func hmsSeconds(h, m, s string) float64 {
	hh, _ := strconv.ParseFloat(h, 64)
	mm, _ := strconv.ParseFloat(m, 64)
	ss, _ := strconv.ParseFloat(s, 64)
	return hh*3600 + mm*60 + ss
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
