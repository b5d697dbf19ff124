package intel

import (
	"threatnet-coordinator/internal/config"
	"threatnet-coordinator/internal/model"
)

// Consensus decides whether a pending IOC has earned verification. It
// is a pure function over the vote state so it can be tested without a
// store.
//
// The base rule needs Threshold distinct reporters whose mean trust
// reaches TrustAverage. Critical indicators relax the reporter count by
// one, but while an IOC rides that relaxation the mean trust must also
// clear CriticalTrustBypass: a lone reporter can only verify a critical
// IOC when it is highly trusted.
func Consensus(reportCount int, meanTrust float64, level model.ThreatLevel, cfg config.ConsensusConfig) bool {
	if reportCount < 1 {
		return false
	}

	threshold := cfg.Threshold
	required := cfg.TrustAverage
	if level == model.LevelCritical {
		threshold--
		if threshold < 1 {
			threshold = 1
		}
		if reportCount < cfg.Threshold && cfg.CriticalTrustBypass > required {
			required = cfg.CriticalTrustBypass
		}
	}

	return reportCount >= threshold && meanTrust >= required
}
