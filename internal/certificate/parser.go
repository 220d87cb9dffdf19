package certificate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

//go:embed certificate.schema.json
var certificateSchema []byte

const schemaURL = "https://gasdock.local/schemas/certificate.json"

// fieldOrder decides which field is reported when several are wrong.
var fieldOrder = []string{"deviceId", "timestamp", "gasType", "passed", "certificatePath"}

var fieldReasons = map[string]string{
	"deviceId":        "must be a non-empty string",
	"timestamp":       "must be an ISO-8601 date-time string",
	"gasType":         "must be a non-empty string",
	"passed":          "must be a boolean",
	"certificatePath": "must be a string",
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

type payloadDocument struct {
	DeviceID        string  `json:"deviceId"`
	Timestamp       string  `json:"timestamp"`
	GasType         string  `json:"gasType"`
	Passed          bool    `json:"passed"`
	CertificatePath *string `json:"certificatePath"`
}

// Parser validates raw payloads against the certificate schema.
type Parser struct {
	schema *jsonschema.Schema
}

func NewParser() (*Parser, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(certificateSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to register certificate schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile certificate schema: %w", err)
	}
	return &Parser{schema: schema}, nil
}

// Parse returns the certificate carried by raw or a *ValidationError naming
// the first offending field.
func (p *Parser) Parse(raw []byte) (ParsedCertificate, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return ParsedCertificate{}, &ValidationError{Field: "payload", Reason: "is not valid JSON"}
	}

	if err := p.schema.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return ParsedCertificate{}, fmt.Errorf("failed to validate payload: %w", err)
		}
		return ParsedCertificate{}, firstFieldError(verr)
	}

	var doc payloadDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ParsedCertificate{}, &ValidationError{Field: "payload", Reason: err.Error()}
	}

	ts, err := parseTimestamp(strings.TrimSpace(doc.Timestamp))
	if err != nil {
		return ParsedCertificate{}, &ValidationError{Field: "timestamp", Reason: fieldReasons["timestamp"]}
	}
	if ts.IsZero() {
		return ParsedCertificate{}, &ValidationError{Field: "timestamp", Reason: "is unset"}
	}

	parsed := ParsedCertificate{
		DeviceID:  strings.TrimSpace(doc.DeviceID),
		Timestamp: ts.UTC(),
		GasType:   strings.TrimSpace(doc.GasType),
		Passed:    doc.Passed,
	}
	if doc.CertificatePath != nil {
		parsed.CertificatePath = *doc.CertificatePath
	}
	return parsed, nil
}

func parseTimestamp(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, value)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func firstFieldError(verr *jsonschema.ValidationError) *ValidationError {
	failed := map[string]string{}
	collectFieldErrors(verr, failed)

	for _, field := range fieldOrder {
		if reason, ok := failed[field]; ok {
			return &ValidationError{Field: field, Reason: reason}
		}
	}
	return &ValidationError{Field: "payload", Reason: "must be a JSON object"}
}

func collectFieldErrors(verr *jsonschema.ValidationError, failed map[string]string) {
	if required, ok := verr.ErrorKind.(*kind.Required); ok && len(verr.InstanceLocation) == 0 {
		for _, missing := range required.Missing {
			failed[missing] = "is required"
		}
	} else if len(verr.InstanceLocation) > 0 && len(verr.Causes) == 0 {
		field := verr.InstanceLocation[0]
		if _, seen := failed[field]; !seen {
			reason, ok := fieldReasons[field]
			if !ok {
				reason = "is invalid"
			}
			failed[field] = reason
		}
	}
	for _, cause := range verr.Causes {
		collectFieldErrors(cause, failed)
	}
}
