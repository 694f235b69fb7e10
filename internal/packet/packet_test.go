package packet

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := &Packet{
		Type:            TypeMessage,
		Content:         "hi there",
		Origin:          "alice",
		Destination:     "ALL",
		Host:            "127.0.0.1",
		DestPort:        7001,
		OriginPort:      7002,
		OriginPublicKey: []byte("fake-key-bytes"),
	}

	text, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	got, err := Decode(text)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	if got.Type != p.Type || got.Content != p.Content || got.Origin != p.Origin ||
		got.Destination != p.Destination || got.Host != p.Host ||
		got.DestPort != p.DestPort || got.OriginPort != p.OriginPort {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
	if string(got.OriginPublicKey) != string(p.OriginPublicKey) {
		t.Fatalf("origin_public_key mismatch: got %q want %q", got.OriginPublicKey, p.OriginPublicKey)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"content":"x"}`)); err == nil {
		t.Fatalf("expected decode to fail on missing type")
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode to fail on malformed input")
	}
}

func TestDecodePreservesUnknownKeys(t *testing.T) {
	text := []byte(`{"type":"MESSAGE","content":"hi","future_field":"value"}`)
	p, err := Decode(text)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	reencoded, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	roundTripped, err := Decode(reencoded)
	if err != nil {
		t.Fatalf("Decode() of re-encoded text error: %v", err)
	}
	if roundTripped.Extra["future_field"] == nil {
		t.Fatalf("expected future_field to survive re-encode, got %+v", roundTripped.Extra)
	}
}

func TestBeginConnectionEvents(t *testing.T) {
	p := &Packet{Type: TypeBeginConnection, Content: []interface{}{"CHAT", "USER_LIST"}}
	events, err := p.BeginConnectionEvents()
	if err != nil {
		t.Fatalf("BeginConnectionEvents() error: %v", err)
	}
	if len(events) != 2 || events[0] != "CHAT" || events[1] != "USER_LIST" {
		t.Fatalf("got %v", events)
	}
}

func TestBeginConnectionEventsEmpty(t *testing.T) {
	p := &Packet{Type: TypeBeginConnection}
	events, err := p.BeginConnectionEvents()
	if err != nil {
		t.Fatalf("BeginConnectionEvents() error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

func TestEncodeRejectsEmptyType(t *testing.T) {
	p := &Packet{}
	if _, err := p.Encode(); err == nil {
		t.Fatalf("expected encode to fail on empty type")
	}
}
