package model

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"
)

// IOCType tags the indicator variant. New types are added by extending
// this set and the canonicalization switch, not by subclassing.
type IOCType string

const (
	TypeFileHash    IOCType = "file_hash"
	TypeIPAddress   IOCType = "ip_address"
	TypeDomain      IOCType = "domain"
	TypeURL         IOCType = "url"
	TypeEmail       IOCType = "email"
	TypeRegistryKey IOCType = "registry_key"
	TypeFilePath    IOCType = "file_path"
	TypeProcessName IOCType = "process_name"
)

var iocTypes = map[IOCType]bool{
	TypeFileHash:    true,
	TypeIPAddress:   true,
	TypeDomain:      true,
	TypeURL:         true,
	TypeEmail:       true,
	TypeRegistryKey: true,
	TypeFilePath:    true,
	TypeProcessName: true,
}

// ThreatLevel orders severities from low to critical.
type ThreatLevel string

const (
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
)

var threatRanks = map[ThreatLevel]int{
	LevelLow:      0,
	LevelMedium:   1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// Rank returns the severity order of the level, -1 for unknown levels.
func (l ThreatLevel) Rank() int {
	if r, ok := threatRanks[l]; ok {
		return r
	}
	return -1
}

// IOCStatus is the lifecycle state of an indicator.
type IOCStatus string

const (
	StatusPending  IOCStatus = "pending"
	StatusVerified IOCStatus = "verified"
	StatusExpired  IOCStatus = "expired"
)

var (
	ErrMissingType    = errors.New("ioc type is required")
	ErrMissingValue   = errors.New("ioc value is required")
	ErrUnknownType    = errors.New("unknown ioc type")
	ErrUnknownLevel   = errors.New("unknown threat level")
	ErrInvalidValue   = errors.New("ioc value fails canonicalization")
	ErrMissingClient  = errors.New("client_id is required")
)

// IOC is one indicator of compromise as tracked by the coordinator.
type IOC struct {
	ID          string            `json:"ioc_id"`
	Type        IOCType           `json:"ioc_type"`
	Value       string            `json:"value"`
	ThreatLevel ThreatLevel       `json:"threat_level"`
	Status      IOCStatus         `json:"status"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
	ReportCount int               `json:"report_count"`
	VerifiedAt  *time.Time        `json:"verified_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IOCReport records one reporter's submission of one IOC.
// (IOCID, ClientID) is unique; re-submission only refreshes LastSeen.
type IOCReport struct {
	IOCID         string    `json:"ioc_id"`
	ClientID      string    `json:"client_id"`
	ReportedAt    time.Time `json:"reported_at"`
	LastSeen      time.Time `json:"last_seen"`
	TrustAtReport float64   `json:"reporter_trust_at_report"`
}

// IOCPayload is a raw submission from a client before canonicalization.
type IOCPayload struct {
	Type        IOCType           `json:"type"`
	Value       string            `json:"value"`
	ThreatLevel ThreatLevel       `json:"threat_level"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Canonicalize validates the payload and returns the canonical value.
// The rules are per-type: hashes fold to lowercase hex, domains and
// emails to lowercase, path-like values are whitespace-trimmed.
func (p IOCPayload) Canonicalize() (string, error) {
	if p.Type == "" {
		return "", ErrMissingType
	}
	if !iocTypes[p.Type] {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
	v := strings.TrimSpace(p.Value)
	if v == "" {
		return "", ErrMissingValue
	}
	if p.ThreatLevel != "" && p.ThreatLevel.Rank() < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownLevel, p.ThreatLevel)
	}

	switch p.Type {
	case TypeFileHash:
		v = strings.ToLower(v)
		if !isHex(v) {
			return "", fmt.Errorf("%w: file hash must be hex", ErrInvalidValue)
		}
	case TypeIPAddress:
		ip := net.ParseIP(v)
		if ip == nil {
			return "", fmt.Errorf("%w: unparseable ip address", ErrInvalidValue)
		}
		v = ip.String()
	case TypeDomain:
		v = strings.ToLower(strings.TrimSuffix(v, "."))
	case TypeEmail:
		v = strings.ToLower(v)
		if !strings.Contains(v, "@") {
			return "", fmt.Errorf("%w: email missing @", ErrInvalidValue)
		}
	case TypeURL, TypeRegistryKey, TypeFilePath, TypeProcessName:
		// Trimmed only; values are matched verbatim on the agent side.
	}
	return v, nil
}

// Level returns the payload threat level, defaulting to medium.
func (p IOCPayload) Level() ThreatLevel {
	if p.ThreatLevel == "" {
		return LevelMedium
	}
	return p.ThreatLevel
}

// Fingerprint computes the deterministic IOC id: murmur3 128-bit over
// the type tag and canonical value. Identical (type, canonical value)
// pairs always produce identical ids.
func Fingerprint(t IOCType, canonical string) string {
	h1, h2 := murmur3.Sum128([]byte(string(t) + "\x00" + canonical))
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// NewIOC builds a pending IOC from a canonicalized payload.
func NewIOC(p IOCPayload, canonical string, now time.Time) *IOC {
	meta := make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		meta[k] = v
	}
	return &IOC{
		ID:          Fingerprint(p.Type, canonical),
		Type:        p.Type,
		Value:       canonical,
		ThreatLevel: p.Level(),
		Status:      StatusPending,
		FirstSeen:   now,
		LastSeen:    now,
		ReportCount: 1,
		Metadata:    meta,
	}
}

// MergeMetadata folds reporter-supplied fields into the IOC,
// last writer wins per key.
func (i *IOC) MergeMetadata(meta map[string]string) {
	if len(meta) == 0 {
		return
	}
	if i.Metadata == nil {
		i.Metadata = make(map[string]string, len(meta))
	}
	for k, v := range meta {
		i.Metadata[k] = v
	}
}

// Clone returns a deep copy so callers can hand IOCs across goroutines.
func (i *IOC) Clone() *IOC {
	out := *i
	if i.VerifiedAt != nil {
		at := *i.VerifiedAt
		out.VerifiedAt = &at
	}
	if i.Metadata != nil {
		out.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// QueryFilter narrows IOC listings. Zero fields match everything.
type QueryFilter struct {
	Status      IOCStatus
	Type        IOCType
	ThreatLevel ThreatLevel
	Since       time.Time
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return len(s) > 0
}
