package jsoncodec

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

type addRequest struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := addRequest{Method: "add", Args: []any{"a", "b"}}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out addRequest
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.Method != "add" || len(out.Args) != 2 {
		t.Fatalf("unexpected decode: %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"method\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestUnmarshalNumbersKeepsIntegers(t *testing.T) {
	var out map[string]any
	if err := UnmarshalNumbers([]byte(`{"id": 9007199254740993}`), &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	n, ok := out["id"].(json.Number)
	if !ok {
		t.Fatalf("expected json.Number, got %T", out["id"])
	}
	if n.String() != "9007199254740993" {
		t.Fatalf("number changed: %s", n)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"method":"add"}`)) {
		t.Fatal("expected object to be valid")
	}
	if Valid([]byte(`{"method":`)) {
		t.Fatal("expected truncated object to be invalid")
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Encode(buf, addRequest{Method: "mul"}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded addRequest
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Method != "mul" {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}
