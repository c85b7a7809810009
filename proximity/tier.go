package proximity

// AccuracyTier labels a sample's reported accuracy. Boundaries are
// inclusive on the better tier: exactly 100m is Moderate.
type AccuracyTier string

const (
	TierGood     AccuracyTier = "good"
	TierModerate AccuracyTier = "moderate"
	TierPoor     AccuracyTier = "poor"
	TierCritical AccuracyTier = "critical"
)

const (
	goodMaxMeters     = 30.0
	moderateMaxMeters = 100.0
	poorMaxMeters     = 1000.0
)

func TierFor(accuracyMeters float64) AccuracyTier {
	switch {
	case accuracyMeters <= goodMaxMeters:
		return TierGood
	case accuracyMeters <= moderateMaxMeters:
		return TierModerate
	case accuracyMeters <= poorMaxMeters:
		return TierPoor
	default:
		return TierCritical
	}
}

// Advisory is the message shown next to a verdict.
func (t AccuracyTier) Advisory() string {
	switch t {
	case TierGood:
		return "Location accuracy is good."
	case TierModerate:
		return "Location accuracy is moderate; the result may be off by up to 100 m."
	case TierPoor:
		return "Location accuracy is poor. Move near a window or enable precise location for a better result."
	case TierCritical:
		return "Location accuracy is very low (over 1 km). The device is likely using network location; use a phone with GPS if check-in fails."
	}
	return ""
}
