package shared

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound is the flat wire shape every client speaks. Controllers built at
// different times disagree on whether the discriminator lives in "type" or
// "action", so both are accepted and Kind resolves the precedence.
type Inbound struct {
	Type   string `json:"type,omitempty"`
	Action string `json:"action,omitempty"`

	// hello
	Role      string `json:"role,omitempty"`
	LogicalID string `json:"logical_id,omitempty"`
	Version   string `json:"version,omitempty"`

	// subscribe
	SessionCode string `json:"session_code,omitempty"`

	// presence-event
	Distance float64 `json:"distance,omitempty"`

	// vision-detection
	Counts map[string]int `json:"counts,omitempty"`
	Class  string         `json:"class,omitempty"`
	Conf   float64        `json:"conf,omitempty"`

	// card-tag
	UID string `json:"uid,omitempty"`

	TS string `json:"ts,omitempty"`
}

// Kind returns the message discriminator, preferring "type" over "action".
func (m *Inbound) Kind() string {
	if m.Type != "" {
		return m.Type
	}
	return m.Action
}

// DecodeInbound converts JSON bytes into an Inbound with validation.
func DecodeInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if msg.Kind() == "" {
		return nil, ErrMissingKind
	}
	return &msg, nil
}

// Outbound is a server-produced message. Only the fields relevant to the
// given kind are populated; the rest are omitted from the JSON.
type Outbound struct {
	Type string `json:"type"`

	SessionCode string         `json:"session_code,omitempty"`
	Status      string         `json:"status,omitempty"`
	Screen      string         `json:"screen,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	OK          *bool          `json:"ok,omitempty"`
	Counts      map[string]int `json:"counts,omitempty"`
	TotalPrice  int64          `json:"total_price,omitempty"`

	TS string `json:"ts"`
}

// Encode stamps the message with the given time and marshals it.
func (m Outbound) Encode(now time.Time) ([]byte, error) {
	if m.Type == "" {
		return nil, ErrMissingKind
	}
	m.TS = now.UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode outbound message: %w", err)
	}
	return data, nil
}

// Bool is a convenience for Outbound.OK.
func Bool(v bool) *bool { return &v }
