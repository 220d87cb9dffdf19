package certificate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Repository is the durable store of certificate records.
type Repository interface {
	// InsertIfNew stores r unless a record with the same device, timestamp
	// and digest exists. It reports whether a row was created.
	InsertIfNew(ctx context.Context, r Record) (bool, error)
	// Query returns matching records, newest timestamp first.
	Query(ctx context.Context, filter QueryFilter) ([]Record, error)
}

// timestampLayout is fixed width so that text order equals time order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// importedAt is the record's import time, or now when the caller left it unset.
func importedAt(r Record) time.Time {
	if r.ImportedAt.IsZero() {
		return time.Now().UTC()
	}
	return r.ImportedAt.UTC()
}

func parseStoredTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, value)
	if err != nil {
		// rows written by other tools may use plain RFC 3339
		t, err = time.Parse(time.RFC3339Nano, value)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

// whereClause renders the filter as an AND of predicates. placeholder
// returns the bind marker for the n-th (1-based) argument; timestamp
// converts a bound instant to the column representation.
func whereClause(filter QueryFilter, placeholder func(n int) string, timestamp func(time.Time) any) (string, []any) {
	var (
		predicates []string
		args       []any
	)
	add := func(expr string, arg any) {
		args = append(args, arg)
		predicates = append(predicates, fmt.Sprintf(expr, placeholder(len(args))))
	}

	if device := strings.TrimSpace(filter.DeviceID); device != "" {
		add("device_id = %s", device)
	}
	if gas := strings.TrimSpace(filter.GasType); gas != "" {
		add("gas_type = %s", gas)
	}
	if filter.From != nil {
		add("cert_timestamp >= %s", timestamp(*filter.From))
	}
	if filter.To != nil {
		add("cert_timestamp <= %s", timestamp(*filter.To))
	}
	if filter.Passed != nil {
		add("passed = %s", *filter.Passed)
	}

	if len(predicates) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(predicates, " AND "), args
}
