package model

import (
	"bytes"

	"github.com/goccy/go-json"
)

// ForwardedByField is the JSON field a legacy aggregator stamps on payloads
const ForwardedByField = "agregador_id"

// Envelope is a device payload received over the legacy protocol. Body is
// kept exactly as received; it may not be JSON at all.
type Envelope struct {
	Body        []byte
	ForwardedBy string
}

// Encode returns the wire form of the envelope. When Body is a JSON object
// and ForwardedBy is set, the forwarded-by field is added to it; anything
// else is returned verbatim.
func (e Envelope) Encode() []byte {
	if e.ForwardedBy == "" {
		return e.Body
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Body, &fields); err != nil || fields == nil {
		return e.Body
	}

	id, err := json.Marshal(e.ForwardedBy)
	if err != nil {
		return e.Body
	}
	fields[ForwardedByField] = id

	out, err := json.Marshal(fields)
	if err != nil {
		return e.Body
	}
	return out
}

// JSON reports whether the body parses as a JSON object
func (e Envelope) JSON() bool {
	var fields map[string]json.RawMessage
	return json.Unmarshal(e.Body, &fields) == nil && fields != nil
}

// DecodeEnvelope parses one line of a legacy batch, picking up the
// forwarded-by field when present
func DecodeEnvelope(line []byte) Envelope {
	env := Envelope{Body: bytes.TrimSpace(line)}
	var fields struct {
		ForwardedBy string `json:"agregador_id"`
	}
	if json.Unmarshal(env.Body, &fields) == nil {
		env.ForwardedBy = fields.ForwardedBy
	}
	return env
}

// DeviceID returns the wavy_id of a JSON body, or "" when absent
func (e Envelope) DeviceID() string {
	var fields struct {
		WavyID string `json:"wavy_id"`
	}
	if json.Unmarshal(e.Body, &fields) != nil {
		return ""
	}
	return fields.WavyID
}

// JoinEnvelopes encodes envelopes one per line
func JoinEnvelopes(envs []Envelope) []byte {
	lines := make([][]byte, 0, len(envs))
	for _, e := range envs {
		lines = append(lines, e.Encode())
	}
	return bytes.Join(lines, []byte("\n"))
}

// SplitEnvelopes splits a legacy batch into its non-empty lines
func SplitEnvelopes(payload []byte) []Envelope {
	var envs []Envelope
	for _, line := range bytes.Split(payload, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		envs = append(envs, DecodeEnvelope(line))
	}
	return envs
}
