// Package packet defines the unit of transport carried end-to-end through
// the network pipeline and its textual codec.
package packet

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadPacket is returned when packet text is malformed or missing a
// required field. Callers never see a partially populated Packet.
var ErrBadPacket = errors.New("packet: bad packet")

// Well-known type tokens used by the bus and the application receivers.
const (
	TypeBeginConnection = "BEGIN_CONNECTION"
	TypeMessage         = "MESSAGE"
	TypeUserList        = "USER_LIST"
	TypeLogin           = "LOGIN"
	TypeLoginOK         = "LOGIN_OK"
	TypeRegister        = "REGISTER"
	TypeRegisterOK      = "REGISTER_OK"
	TypeRegisterFail    = "REGISTER_FAIL"
	TypeRequestUsers    = "REQUEST_USERS"
	TypeError           = "ERROR"
)

// Content is the dynamic payload carried by a Packet: a scalar, an ordered
// sequence, or a string-keyed mapping, all drawn from JSON-representable
// values. It round-trips through the textual codec without a fixed schema.
type Content = interface{}

// Packet is the unit transported between nodes. Fields mirror the wire
// mapping exactly; unknown keys encountered on decode are preserved in
// Extra so a packet this process doesn't fully understand can still be
// re-encoded without losing information.
type Packet struct {
	Type            string  `json:"type"`
	Content         Content `json:"content"`
	Origin          string  `json:"origin"`
	Destination     string  `json:"destination"`
	Host            string  `json:"host"`
	DestPort        int     `json:"dest_port"`
	OriginPort      int     `json:"origin_port"`
	OriginPublicKey []byte  `json:"-"`

	Extra map[string]json.RawMessage `json:"-"`
}

// wireForm is the on-the-wire JSON shape: origin_public_key travels as a
// base64 string rather than raw bytes, per the codec's textual-form rule.
type wireForm struct {
	Type            string          `json:"type"`
	Content         json.RawMessage `json:"content,omitempty"`
	Origin          string          `json:"origin,omitempty"`
	Destination     string          `json:"destination,omitempty"`
	Host            string          `json:"host,omitempty"`
	DestPort        int             `json:"dest_port,omitempty"`
	OriginPort      int             `json:"origin_port,omitempty"`
	OriginPublicKey string          `json:"origin_public_key,omitempty"`
}

var knownWireKeys = map[string]bool{
	"type": true, "content": true, "origin": true, "destination": true,
	"host": true, "dest_port": true, "origin_port": true, "origin_public_key": true,
}

// Encode serializes p to its textual form: a JSON object with
// origin_public_key base64-encoded.
func (p *Packet) Encode() ([]byte, error) {
	if p.Type == "" {
		return nil, fmt.Errorf("%w: empty type", ErrBadPacket)
	}

	var contentRaw json.RawMessage
	if p.Content != nil {
		raw, err := json.Marshal(p.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal content: %v", ErrBadPacket, err)
		}
		contentRaw = raw
	}

	w := wireForm{
		Type:        p.Type,
		Content:     contentRaw,
		Origin:      p.Origin,
		Destination: p.Destination,
		Host:        p.Host,
		DestPort:    p.DestPort,
		OriginPort:  p.OriginPort,
	}
	if len(p.OriginPublicKey) > 0 {
		w.OriginPublicKey = base64.StdEncoding.EncodeToString(p.OriginPublicKey)
	}

	body, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", ErrBadPacket, err)
	}
	if len(p.Extra) == 0 {
		return body, nil
	}
	return mergeExtra(body, p.Extra)
}

// mergeExtra re-injects keys this process didn't recognize so a re-encoded
// packet preserves fields it doesn't understand.
func mergeExtra(body []byte, extra map[string]json.RawMessage) ([]byte, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, fmt.Errorf("%w: remerge: %v", ErrBadPacket, err)
	}
	for k, v := range extra {
		if _, known := knownWireKeys[k]; known {
			continue
		}
		generic[k] = v
	}
	return json.Marshal(generic)
}

// Decode parses packet text into a Packet, tolerating and preserving
// unknown keys. It fails with ErrBadPacket on malformed input or a missing
// required field.
func Decode(text []byte) (*Packet, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(text, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPacket, err)
	}

	var w wireForm
	if err := json.Unmarshal(text, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPacket, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadPacket)
	}

	p := &Packet{
		Type:        w.Type,
		Origin:      w.Origin,
		Destination: w.Destination,
		Host:        w.Host,
		DestPort:    w.DestPort,
		OriginPort:  w.OriginPort,
	}
	if len(w.Content) > 0 {
		if err := json.Unmarshal(w.Content, &p.Content); err != nil {
			return nil, fmt.Errorf("%w: content: %v", ErrBadPacket, err)
		}
	}
	if w.OriginPublicKey != "" {
		key, err := base64.StdEncoding.DecodeString(w.OriginPublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: origin_public_key: %v", ErrBadPacket, err)
		}
		p.OriginPublicKey = key
	}

	extra := make(map[string]json.RawMessage)
	for k, v := range generic {
		if !knownWireKeys[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		p.Extra = extra
	}
	return p, nil
}

// BeginConnectionEvents extracts the ordered event-type list carried as the
// content of a BEGIN_CONNECTION packet.
func (p *Packet) BeginConnectionEvents() ([]string, error) {
	switch v := p.Content.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		events := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: begin_connection content element is not a string", ErrBadPacket)
			}
			events = append(events, s)
		}
		return events, nil
	default:
		return nil, fmt.Errorf("%w: begin_connection content is not a list", ErrBadPacket)
	}
}
