package model

import "time"

// TrustEventReason classifies entries in the append-only trust audit.
type TrustEventReason string

const (
	ReasonReport   TrustEventReason = "report"
	ReasonAccepted TrustEventReason = "accepted"
	ReasonRejected TrustEventReason = "rejected"
	ReasonDecay    TrustEventReason = "decay"
	ReasonManual   TrustEventReason = "manual"
)

// ReportOutcome is the signal the aggregator emits for a reporter.
type ReportOutcome string

const (
	OutcomeSubmitted ReportOutcome = "submitted"
	OutcomeAccepted  ReportOutcome = "accepted"
	OutcomeRejected  ReportOutcome = "rejected"
)

// TrustScore is the per-client reputation row.
type TrustScore struct {
	ClientID        string    `json:"client_id"`
	Value           float64   `json:"value"`
	ReportsTotal    int       `json:"reports_total"`
	ReportsAccepted int       `json:"reports_accepted"`
	ReportsRejected int       `json:"reports_rejected"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// TrustEvent is one append-only audit entry for a trust change.
type TrustEvent struct {
	ClientID string           `json:"client_id"`
	At       time.Time        `json:"at"`
	Delta    float64          `json:"delta"`
	Reason   TrustEventReason `json:"reason"`
}

// ClientProfile is the connection-time identity a client self-asserts,
// plus the live counters the fabric keeps for the dashboard.
type ClientProfile struct {
	ClientID     string    `json:"client_id"`
	Hostname     string    `json:"hostname"`
	Version      string    `json:"version"`
	Online       bool      `json:"online"`
	Status       string    `json:"status,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	IOCsReported int       `json:"iocs_reported"`
	IOCsVerified int       `json:"iocs_verified"`
}

// SystemStats is the aggregate view served by GET /status.
type SystemStats struct {
	TotalClients      int            `json:"total_clients"`
	OnlineClients     int            `json:"online_clients"`
	TotalIOCs         int            `json:"total_iocs"`
	VerifiedIOCs      int            `json:"verified_iocs"`
	PendingIOCs       int            `json:"pending_iocs"`
	ExpiredIOCs       int            `json:"expired_iocs"`
	AverageTrust      float64        `json:"average_trust"`
	HighTrustClients  int            `json:"high_trust_clients"`
	LowTrustClients   int            `json:"low_trust_clients"`
	ThreatLevelCounts map[string]int `json:"threat_distribution,omitempty"`
}
