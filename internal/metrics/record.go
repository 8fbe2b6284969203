package metrics

// DefaultFields is the column set used when the caller does not override it.
// The order is part of the persisted file contract: external tail readers
// parse the header once and rely on it staying stable.
var DefaultFields = []string{"timestamp", "event", "status", "value", "message", "extra"}

// Fields is an open key-value bag merged into the extra column.
type Fields map[string]any

// Record is a single row of the metrics trail. Extra is already encoded as a
// compact deterministic JSON object string.
type Record struct {
	Timestamp string
	Event     string
	Status    string
	Value     *float64
	Message   string
	Extra     string
}

func (r Record) row(fields []string) []string {
	byName := map[string]string{
		"timestamp": r.Timestamp,
		"event":     r.Event,
		"status":    r.Status,
		"value":     formatValue(r.Value),
		"message":   r.Message,
		"extra":     r.Extra,
	}

	row := make([]string, len(fields))
	for i, name := range fields {
		row[i] = byName[name]
	}

	return row
}

// Float is a convenience for populating Entry.Value.
func Float(v float64) *float64 {
	return &v
}
