package canonical

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
)

func TestMarshalCanonical_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := MarshalCanonical(input)
	if err != nil {
		t.Fatalf("MarshalCanonical failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshalCanonical_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": []interface{}{map[string]interface{}{"n": 2, "m": 1}},
	}

	expected := `{"a":[{"m":1,"n":2}],"z":{"x":"bar","y":"foo"}}`

	b, err := MarshalCanonical(input)
	if err != nil {
		t.Fatalf("MarshalCanonical failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('x')</script> &",
	}

	expected := `{"html":"<script>alert('x')</script> &"}`

	b, err := MarshalCanonical(input)
	if err != nil {
		t.Fatalf("MarshalCanonical failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshalCanonical_StructTagsHonored(t *testing.T) {
	type release struct {
		Version string `json:"version"`
		Name    string `json:"name"`
	}
	b, err := MarshalCanonical(release{Version: "1.2.0", Name: "demo"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"name":"demo","version":"1.2.0"}` {
		t.Errorf("unexpected encoding: %s", string(b))
	}
}

func TestMarshalCanonical_NFCNormalization(t *testing.T) {
	// U+0065 U+0301 (e + combining acute) must normalize to U+00E9.
	decomposed := "café"
	composed := "café"

	h1, err := CanonicalHash(map[string]string{"k": decomposed})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(map[string]string{"k": composed})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("NFC forms hash differently: %s != %s", h1, h2)
	}
}

func TestMarshalCanonical_RejectsFractions(t *testing.T) {
	cases := []interface{}{
		map[string]interface{}{"n": 1.5},
		map[string]interface{}{"n": json.Number("2.0")},
		map[string]interface{}{"n": json.Number("1e3")},
	}
	for _, in := range cases {
		if _, err := MarshalCanonical(in); !errors.Is(err, ErrUncanonicalizable) {
			t.Errorf("input %v: want ErrUncanonicalizable, got %v", in, err)
		}
	}
}

func TestMarshalCanonical_IntegralFloatsPass(t *testing.T) {
	// float64(42) serializes as "42" through the JSON intermediate.
	b, err := MarshalCanonical(map[string]interface{}{"n": float64(42)})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"n":42}` {
		t.Errorf("got %s", string(b))
	}
}

func TestMarshalCanonical_SafeIntegerRange(t *testing.T) {
	if _, err := MarshalCanonical(map[string]interface{}{"n": json.Number("9007199254740992")}); !errors.Is(err, ErrUncanonicalizable) {
		t.Errorf("2^53 should be rejected, got %v", err)
	}
	if _, err := MarshalCanonical(map[string]interface{}{"n": json.Number("9007199254740991")}); err != nil {
		t.Errorf("2^53-1 should pass, got %v", err)
	}
}

func TestMarshalCanonical_DecimalStringsPass(t *testing.T) {
	b, err := MarshalCanonical(map[string]string{"price": "19.99"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"price":"19.99"}` {
		t.Errorf("got %s", string(b))
	}
}

func TestMarshalCanonical_RejectsCycles(t *testing.T) {
	type node struct {
		Next *node `json:"next"`
	}
	n := &node{}
	n.Next = n
	if _, err := MarshalCanonical(n); !errors.Is(err, ErrUncanonicalizable) {
		t.Errorf("cycle: want ErrUncanonicalizable, got %v", err)
	}
}

func TestMarshalCanonical_RejectsNFCKeyCollision(t *testing.T) {
	raw := []byte(`{"café":1,"café":2}`)
	if _, err := CanonicalizeJSON(raw); !errors.Is(err, ErrUncanonicalizable) {
		t.Errorf("colliding keys: want ErrUncanonicalizable, got %v", err)
	}
}

func TestCanonicalizeJSON_DecodeRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"b": []interface{}{1, 2, 3},
		"a": map[string]interface{}{"nested": "value", "n": 7},
	}
	first, err := MarshalCanonical(in)
	if err != nil {
		t.Fatal(err)
	}
	second, err := CanonicalizeJSON(first)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Errorf("canonical(decode(canonical(x))) != canonical(x): %s vs %s", first, second)
	}
}

func TestDigestMatchesCanonicalHash(t *testing.T) {
	v := map[string]string{"k": "v"}
	d, err := Digest(v)
	if err != nil {
		t.Fatal(err)
	}
	if len(d) != 32 {
		t.Fatalf("digest length %d, want 32", len(d))
	}
	h, err := CanonicalHash(v)
	if err != nil {
		t.Fatal(err)
	}
	if hex.EncodeToString(d) != h {
		t.Errorf("Digest and CanonicalHash disagree: %x vs %s", d, h)
	}
}
