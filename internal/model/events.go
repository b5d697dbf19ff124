package model

import (
	"encoding/json"
	"time"
)

// Event names on the bidirectional client channel.
const (
	EventRegister     = "register"
	EventHeartbeat    = "heartbeat"
	EventReportThreat = "report_threat"
	EventSyncRequest  = "sync_request"

	EventRegistered   = "registered"
	EventReportAck    = "report_ack"
	EventReportNack   = "report_nack"
	EventIOCVerified  = "ioc_verified"
	EventClientStatus = "client_status"
	EventSyncResponse = "sync_response"
	EventError        = "error"
)

// Envelope frames every message on the event channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals a payload into a framed event.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// RegisterPayload is sent by a client once after connecting.
type RegisterPayload struct {
	ClientID string `json:"client_id"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	Token    string `json:"token,omitempty"`
}

// HeartbeatPayload keeps a session alive and carries the agent status.
type HeartbeatPayload struct {
	ClientID string    `json:"client_id"`
	At       time.Time `json:"at"`
	Status   string    `json:"status,omitempty"`
}

// ReportPayload wraps one IOC submission.
type ReportPayload struct {
	ClientID string     `json:"client_id"`
	IOC      IOCPayload `json:"ioc"`
}

// SyncRequestPayload asks for verified IOCs past the client's cursor.
type SyncRequestPayload struct {
	ClientID string `json:"client_id"`
	Cursor   int64  `json:"cursor"`
}

// ReportAckPayload acknowledges a submission to its sender.
type ReportAckPayload struct {
	IOCID  string    `json:"ioc_id"`
	Status IOCStatus `json:"status"`
}

// ReportNackPayload tells the sender a submission failed and may be retried.
type ReportNackPayload struct {
	Error string `json:"error"`
}

// IOCVerifiedPayload is the one-shot verification broadcast.
type IOCVerifiedPayload struct {
	IOC *IOC `json:"ioc"`
}

// ClientStatusPayload fans out on connect/disconnect.
type ClientStatusPayload struct {
	ClientID string  `json:"client_id"`
	Online   bool    `json:"online"`
	Trust    float64 `json:"trust"`
}

// SyncResponsePayload carries a batch of verified IOCs, the advanced
// cursor, and a bloom digest of all verified ids for cheap local checks.
type SyncResponsePayload struct {
	IOCs   []*IOC `json:"iocs"`
	Cursor int64  `json:"cursor"`
	Digest []byte `json:"digest,omitempty"`
}
