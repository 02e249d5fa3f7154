package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestAnyMessageRejectsBadVersion(t *testing.T) {
	var m AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"1.0","method":"ping","id":1}`), &m); err == nil {
		t.Fatal("expected version error")
	}
}

func TestAnyMessageRequestVsNotification(t *testing.T) {
	var m AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Type() != "request" {
		t.Fatalf("Type = %q, want request", m.Type())
	}

	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Type() != "notification" {
		t.Fatalf("Type = %q, want notification", m.Type())
	}
	if req := m.AsRequest(); req == nil || !req.ID.IsNil() {
		t.Fatalf("notification request = %+v", req)
	}
}

func TestAnyMessageResponseShape(t *testing.T) {
	var m AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","result":{"ok":true},"id":1}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Type() != "response" {
		t.Fatalf("Type = %q, want response", m.Type())
	}
	if m.AsRequest() != nil {
		t.Fatal("response must not present as request")
	}

	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","result":{},"error":{"code":-32600,"message":"x"},"id":1}`), &m); err == nil {
		t.Fatal("result and error together must be rejected")
	}
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1}`), &m); err == nil {
		t.Fatal("response without result or error must be rejected")
	}
}

func TestRequestIDStringAndNumber(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"m","id":"abc"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.ID.String() != "abc" {
		t.Fatalf("String = %q", req.ID.String())
	}

	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"m","id":42}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.ID.String() != "42" {
		t.Fatalf("String = %q", req.ID.String())
	}

	b, err := json.Marshal(req.ID)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != "42" {
		t.Fatalf("marshaled id = %s, want 42", b)
	}
}

func TestResultResponseRoundTrip(t *testing.T) {
	id := NewRequestID("r1")
	resp, err := NewResultResponse(id, map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("NewResultResponse: %v", err)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m AnyMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Type() != "response" || m.ID.String() != "r1" {
		t.Fatalf("round trip = %+v", m)
	}
}

func TestErrorResponseCarriesCode(t *testing.T) {
	resp := NewErrorResponse(NewRequestID(float64(7)), ErrorCodeMethodNotFound, "no such method")
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	errObj := m["error"].(map[string]any)
	if errObj["code"] != float64(-32601) {
		t.Fatalf("code = %v", errObj["code"])
	}
}
