package intel

import (
	"testing"

	"threatnet-coordinator/internal/config"
	"threatnet-coordinator/internal/model"
)

func consensusConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		Threshold:           2,
		TrustAverage:        0.6,
		CriticalTrustBypass: 0.8,
	}
}

func TestConsensusBaseRule(t *testing.T) {
	cfg := consensusConfig()

	tests := []struct {
		name  string
		count int
		trust float64
		level model.ThreatLevel
		want  bool
	}{
		{"below count threshold with good trust", 1, 0.9, model.LevelHigh, false},
		{"at threshold with trust below average", 2, 0.55, model.LevelHigh, false},
		{"at threshold with sufficient trust", 2, 0.65, model.LevelHigh, true},
		{"trust exactly at average", 2, 0.6, model.LevelMedium, true},
		{"zero reporters never verify", 0, 1.0, model.LevelCritical, false},
		{"well past threshold", 5, 0.7, model.LevelLow, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Consensus(tc.count, tc.trust, tc.level, cfg); got != tc.want {
				t.Errorf("Consensus(%d, %.2f, %s) = %v, want %v",
					tc.count, tc.trust, tc.level, got, tc.want)
			}
		})
	}
}

func TestConsensusCriticalFastPath(t *testing.T) {
	cfg := consensusConfig()

	// A single highly trusted reporter verifies a critical IOC.
	if !Consensus(1, 0.85, model.LevelCritical, cfg) {
		t.Error("critical IOC from one reporter with trust 0.85 should verify")
	}
	if !Consensus(1, 0.8, model.LevelCritical, cfg) {
		t.Error("critical fast path should accept trust exactly at the bypass")
	}
	// Below the bypass the relaxation does not apply.
	if Consensus(1, 0.7, model.LevelCritical, cfg) {
		t.Error("critical IOC from one reporter with trust 0.7 should stay pending")
	}
	// A non-critical IOC never rides the relaxation.
	if Consensus(1, 0.99, model.LevelHigh, cfg) {
		t.Error("high IOC must not use the critical relaxation")
	}
	// At the full threshold a critical IOC uses the normal average.
	if !Consensus(2, 0.65, model.LevelCritical, cfg) {
		t.Error("critical IOC at full threshold should use the base trust average")
	}
}

func TestConsensusThresholdFloor(t *testing.T) {
	cfg := consensusConfig()
	cfg.Threshold = 1

	// Relaxing a threshold of one must not reach zero.
	if Consensus(0, 0.95, model.LevelCritical, cfg) {
		t.Error("zero reports can never verify, even critical")
	}
	if !Consensus(1, 0.95, model.LevelCritical, cfg) {
		t.Error("single report should satisfy a threshold of one")
	}
}
