package metering

// WarningLevel classifies how close an account is to its monthly allowance.
type WarningLevel string

const (
	WarningNone     WarningLevel = "none"
	WarningSoft     WarningLevel = "soft"
	WarningHard     WarningLevel = "hard"
	WarningExceeded WarningLevel = "exceeded"
)

const (
	softThreshold = 0.8
	hardThreshold = 0.95
)

// ClassifyWarning maps used/limit to a warning level. A non-positive limit is
// always exceeded. Levels are recomputed on every request, so a caller hovering
// around a threshold may see them alternate.
func ClassifyWarning(used, limit int) WarningLevel {
	if limit <= 0 {
		return WarningExceeded
	}
	ratio := float64(used) / float64(limit)
	switch {
	case ratio >= 1:
		return WarningExceeded
	case ratio >= hardThreshold:
		return WarningHard
	case ratio >= softThreshold:
		return WarningSoft
	default:
		return WarningNone
	}
}

// Severity orders levels from none (0) to exceeded (3).
func (l WarningLevel) Severity() int {
	switch l {
	case WarningSoft:
		return 1
	case WarningHard:
		return 2
	case WarningExceeded:
		return 3
	}
	return 0
}

// Remaining is the unused monthly allowance plus usable top-up credit.
func Remaining(limit, used, topUp int) int {
	monthly := limit - used
	if monthly < 0 {
		monthly = 0
	}
	return monthly + topUp
}
