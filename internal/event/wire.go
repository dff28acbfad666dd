package event

import "fmt"

// SDKVersion is reported in every payload.
const SDKVersion = "1.01"

// Envelope is one batch as it goes over the wire.
type Envelope struct {
	AccountID string
	DeviceID  string
	Metrics   map[string]string
	Records   []Record
}

// EncodeEnvelope serializes a batch to canonical JSON. An empty DeviceID
// is omitted so the server cannot correlate the events.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	records := make([]any, len(env.Records))
	for i, r := range env.Records {
		m, err := recordWireMap(r)
		if err != nil {
			return nil, fmt.Errorf("record seq=%d: %w", r.Seq, err)
		}
		records[i] = m
	}

	payload := map[string]any{
		"account_id":  env.AccountID,
		"records":     records,
		"sdk_version": SDKVersion,
	}
	if env.DeviceID != "" {
		payload["device_id"] = env.DeviceID
	}
	if len(env.Metrics) > 0 {
		payload["metrics"] = env.Metrics
	}
	return MarshalCanonical(payload)
}

// recordWireMap flattens a record. Times go out as unix milliseconds.
func recordWireMap(r Record) (map[string]any, error) {
	if !r.Kind.Valid() {
		return nil, fmt.Errorf("unknown record kind %q", r.Kind)
	}
	params := r.Parameters
	if params == nil {
		params = Parameters{}
	}
	m := map[string]any{
		"categories": r.Categories,
		"key":        r.Key,
		"kind":       string(r.Kind),
		"parameters": params,
		"seq":        r.Seq,
		"timestamp":  r.Timestamp.UnixMilli(),
	}
	if r.IsSessionEnd() {
		m["session_start"] = r.SessionStart.UnixMilli()
		m["session_duration"] = r.SessionDuration.Milliseconds()
	}
	return m, nil
}
