package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "socialbus"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	in := map[string]any{"zeta": 1, "alpha": 2, "mid": map[string]int{"b": 1, "a": 2}}

	first, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(in)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("expected identical output, got %s and %s", first, again)
		}
	}
	if string(first) != `{"alpha":2,"mid":{"a":2,"b":1},"zeta":1}` {
		t.Fatalf("expected sorted keys, got %s", first)
	}
}

func TestEncode(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Encode(buf, testPayload{ID: 7, Name: "stream"}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatalf("expected trailing newline, got %q", buf.String())
	}

	var decoded testPayload
	if err := Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.ID != 7 {
		t.Fatalf("unexpected payload %#v", decoded)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"id":1}`)) {
		t.Fatal("expected valid JSON")
	}
	if Valid([]byte(`{"id":`)) {
		t.Fatal("expected truncated JSON to be invalid")
	}
}
