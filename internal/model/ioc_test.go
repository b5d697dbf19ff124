package model

import (
	"errors"
	"testing"
	"time"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(TypeFileHash, "deadbeef")
	b := Fingerprint(TypeFileHash, "deadbeef")
	if a != b {
		t.Errorf("identical inputs produced different ids: %s vs %s", a, b)
	}
	if a == Fingerprint(TypeDomain, "deadbeef") {
		t.Error("different types must produce different ids")
	}
	if a == Fingerprint(TypeFileHash, "deadbeee") {
		t.Error("different values must produce different ids")
	}
	if len(a) != 32 {
		t.Errorf("expected 32-char hex id, got %d chars", len(a))
	}
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name    string
		payload IOCPayload
		want    string
		wantErr error
	}{
		{
			name:    "hash folds to lowercase",
			payload: IOCPayload{Type: TypeFileHash, Value: "DEADBEEF"},
			want:    "deadbeef",
		},
		{
			name:    "hash rejects non-hex",
			payload: IOCPayload{Type: TypeFileHash, Value: "not-a-hash"},
			wantErr: ErrInvalidValue,
		},
		{
			name:    "domain lowercased and trailing dot stripped",
			payload: IOCPayload{Type: TypeDomain, Value: " Evil.Example.COM. "},
			want:    "evil.example.com",
		},
		{
			name:    "ip with leading zeros rejected",
			payload: IOCPayload{Type: TypeIPAddress, Value: "192.168.001.001"},
			wantErr: ErrInvalidValue,
		},
		{
			name:    "valid ip",
			payload: IOCPayload{Type: TypeIPAddress, Value: "10.0.0.1"},
			want:    "10.0.0.1",
		},
		{
			name:    "path trimmed only",
			payload: IOCPayload{Type: TypeFilePath, Value: "  C:\\Windows\\evil.exe  "},
			want:    "C:\\Windows\\evil.exe",
		},
		{
			name:    "email lowercased",
			payload: IOCPayload{Type: TypeEmail, Value: "Phish@Example.COM"},
			want:    "phish@example.com",
		},
		{
			name:    "missing type",
			payload: IOCPayload{Value: "deadbeef"},
			wantErr: ErrMissingType,
		},
		{
			name:    "missing value",
			payload: IOCPayload{Type: TypeURL, Value: "   "},
			wantErr: ErrMissingValue,
		},
		{
			name:    "unknown type",
			payload: IOCPayload{Type: "yara_rule", Value: "x"},
			wantErr: ErrUnknownType,
		},
		{
			name:    "unknown threat level",
			payload: IOCPayload{Type: TypeURL, Value: "http://x", ThreatLevel: "apocalyptic"},
			wantErr: ErrUnknownLevel,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.payload.Canonicalize()
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("want error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("want %q, got %q", tc.want, got)
			}
		})
	}
}

func TestCanonicalFingerprintsConverge(t *testing.T) {
	p1 := IOCPayload{Type: TypeDomain, Value: "EVIL.example.com"}
	p2 := IOCPayload{Type: TypeDomain, Value: "evil.example.com."}

	c1, err := p1.Canonicalize()
	if err != nil {
		t.Fatal(err)
	}
	c2, err := p2.Canonicalize()
	if err != nil {
		t.Fatal(err)
	}
	if Fingerprint(p1.Type, c1) != Fingerprint(p2.Type, c2) {
		t.Error("equivalent spellings must share one ioc id")
	}
}

func TestThreatLevelOrdering(t *testing.T) {
	if !(LevelLow.Rank() < LevelMedium.Rank() &&
		LevelMedium.Rank() < LevelHigh.Rank() &&
		LevelHigh.Rank() < LevelCritical.Rank()) {
		t.Error("threat levels out of order")
	}
	if ThreatLevel("bogus").Rank() != -1 {
		t.Error("unknown level should rank -1")
	}
}

func TestMergeMetadataLastWriterWins(t *testing.T) {
	ioc := NewIOC(IOCPayload{
		Type:     TypeURL,
		Value:    "http://bad.example/malware",
		Metadata: map[string]string{"source": "scanner", "family": "emotet"},
	}, "http://bad.example/malware", time.Now().UTC())

	ioc.MergeMetadata(map[string]string{"family": "qakbot", "campaign": "q3"})

	if ioc.Metadata["family"] != "qakbot" {
		t.Errorf("last writer must win, got %q", ioc.Metadata["family"])
	}
	if ioc.Metadata["source"] != "scanner" {
		t.Error("untouched keys must survive the merge")
	}
	if ioc.Metadata["campaign"] != "q3" {
		t.Error("new keys must be added")
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	ioc := NewIOC(IOCPayload{Type: TypeDomain, Value: "x.example", Metadata: map[string]string{"k": "v"}}, "x.example", now)
	ioc.VerifiedAt = &now

	clone := ioc.Clone()
	clone.Metadata["k"] = "mutated"
	*clone.VerifiedAt = now.Add(time.Hour)

	if ioc.Metadata["k"] != "v" {
		t.Error("clone shares metadata map with original")
	}
	if !ioc.VerifiedAt.Equal(now) {
		t.Error("clone shares verified_at pointer with original")
	}
}
