package certificate

import (
	"time"
)

// ParsedCertificate is the validated projection of one raw payload.
type ParsedCertificate struct {
	DeviceID        string
	Timestamp       time.Time
	GasType         string
	Passed          bool
	CertificatePath string
}

// Record is a parsed certificate plus the digest of the payload it came from.
// DeviceID, Timestamp and Digest together identify a record.
type Record struct {
	ID              int64     `json:"id,omitempty"`
	DeviceID        string    `json:"deviceId"`
	Timestamp       time.Time `json:"timestamp"`
	GasType         string    `json:"gasType"`
	Passed          bool      `json:"passed"`
	CertificatePath string    `json:"certificatePath"`
	Digest          string    `json:"digest"`
	ImportedAt      time.Time `json:"importedAt"`
}

func NewRecord(parsed ParsedCertificate, digest string) Record {
	return Record{
		DeviceID:        parsed.DeviceID,
		Timestamp:       parsed.Timestamp.UTC(),
		GasType:         parsed.GasType,
		Passed:          parsed.Passed,
		CertificatePath: parsed.CertificatePath,
		Digest:          digest,
	}
}

// QueryFilter narrows a query. Empty strings and nil pointers impose no constraint;
// From and To are inclusive.
type QueryFilter struct {
	DeviceID string
	GasType  string
	From     *time.Time
	To       *time.Time
	Passed   *bool
}

// ImportOutcome reports what importing one payload did.
type ImportOutcome struct {
	Digest       string `json:"digest"`
	ArtifactPath string `json:"artifactPath"`
	Imported     bool   `json:"imported"`
}
