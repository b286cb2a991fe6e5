package delta

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func mustParse(t *testing.T, raw string) Delta {
	t.Helper()
	parsed, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return parsed
}

func mustCompose(t *testing.T, base, change Delta) Delta {
	t.Helper()
	composed, err := base.Compose(change)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	return composed
}

func TestComposeInsertIntoEmptyDocument(t *testing.T) {
	content := Empty()
	change := mustParse(t, `{"ops":[{"insert":"hello"}]}`)

	composed := mustCompose(t, content, change)
	if !composed.IsDocument() {
		t.Fatalf("expected document delta, got %#v", composed.Ops)
	}
	if composed.Text() != "hello" {
		t.Fatalf("expected hello, got %q", composed.Text())
	}
}

func TestComposeRetainInsertAndDelete(t *testing.T) {
	testCases := []struct {
		name     string
		content  string
		change   string
		expected string
	}{
		{name: "append", content: `[{"insert":"hello"}]`, change: `[{"retain":5},{"insert":" world"}]`, expected: "hello world"},
		{name: "prepend", content: `[{"insert":"world"}]`, change: `[{"insert":"hello "}]`, expected: "hello world"},
		{name: "delete middle", content: `[{"insert":"hello world"}]`, change: `[{"retain":5},{"delete":6}]`, expected: "hello"},
		{name: "replace", content: `[{"insert":"cat"}]`, change: `[{"delete":1},{"insert":"b"}]`, expected: "bat"},
		{name: "surrogate pair counts as two units", content: `[{"insert":"a😀b"}]`, change: `[{"retain":3},{"delete":1}]`, expected: "a😀"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			composed := mustCompose(t, mustParse(t, testCase.content), mustParse(t, testCase.change))
			if !composed.IsDocument() {
				t.Fatalf("expected document delta, got %#v", composed.Ops)
			}
			if composed.Text() != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, composed.Text())
			}
		})
	}
}

func TestComposeAppliesAndRemovesAttributes(t *testing.T) {
	content := mustParse(t, `[{"insert":"bold","attributes":{"italic":true}}]`)
	formatted := mustCompose(t, content, mustParse(t, `[{"retain":4,"attributes":{"bold":true}}]`))
	if len(formatted.Ops) != 1 {
		t.Fatalf("expected single op, got %#v", formatted.Ops)
	}
	expected := Attributes{"bold": true, "italic": true}
	if !reflect.DeepEqual(formatted.Ops[0].Attributes, expected) {
		t.Fatalf("unexpected attributes %#v", formatted.Ops[0].Attributes)
	}

	cleared := mustCompose(t, formatted, mustParse(t, `[{"retain":4,"attributes":{"italic":null}}]`))
	if !reflect.DeepEqual(cleared.Ops[0].Attributes, Attributes{"bold": true}) {
		t.Fatalf("expected italic to be removed, got %#v", cleared.Ops[0].Attributes)
	}
}

func TestComposeOfChangesKeepsNullOnRetain(t *testing.T) {
	first := mustParse(t, `[{"retain":2,"attributes":{"bold":true}}]`)
	second := mustParse(t, `[{"retain":2,"attributes":{"bold":null}}]`)
	composed := mustCompose(t, first, second)
	if len(composed.Ops) != 1 {
		t.Fatalf("expected one op, got %#v", composed.Ops)
	}
	value, present := composed.Ops[0].Attributes["bold"]
	if !present || value != nil {
		t.Fatalf("expected bold:null to survive, got %#v", composed.Ops[0].Attributes)
	}
}

func TestComposeMergesAdjacentInserts(t *testing.T) {
	composed := mustCompose(t, mustParse(t, `[{"insert":"ab"}]`), mustParse(t, `[{"retain":2},{"insert":"cd"}]`))
	if len(composed.Ops) != 1 || composed.Ops[0].Insert != "abcd" {
		t.Fatalf("expected merged insert, got %#v", composed.Ops)
	}
}

func TestComposeDeleteBeyondContentIsNotDocument(t *testing.T) {
	composed := mustCompose(t, mustParse(t, `[{"insert":"hi"}]`), mustParse(t, `[{"retain":2},{"delete":3}]`))
	if composed.IsDocument() {
		t.Fatalf("expected dangling delete to leave a non-document delta, got %#v", composed.Ops)
	}
}

func TestParseAcceptsBareArray(t *testing.T) {
	parsed := mustParse(t, `[{"insert":"x"}]`)
	if parsed.Length() != 1 {
		t.Fatalf("expected length 1, got %d", parsed.Length())
	}
}

func TestParseRejectsMalformedOps(t *testing.T) {
	payloads := []string{
		`{"ops":[{"insert":""}]}`,
		`{"ops":[{"retain":-1}]}`,
		`{"ops":[{"delete":2,"insert":"x"}]}`,
		`{"ops":[{}]}`,
		`{"ops":[{"insert":42}]}`,
		`{"ops":"nope"}`,
		`not json`,
	}
	for _, payload := range payloads {
		if _, err := Parse([]byte(payload)); !errors.Is(err, ErrMalformedDelta) {
			t.Fatalf("expected malformed delta for %s, got %v", payload, err)
		}
	}
}

func TestMarshalEmitsOpsArray(t *testing.T) {
	encoded, err := json.Marshal(Delta{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(encoded) != `{"ops":[]}` {
		t.Fatalf("unexpected encoding %s", encoded)
	}
}

func TestEmbedInsertHasLengthOne(t *testing.T) {
	content := mustParse(t, `[{"insert":"a"},{"insert":{"image":"x.png"}},{"insert":"b"}]`)
	if content.Length() != 3 {
		t.Fatalf("expected length 3, got %d", content.Length())
	}
	composed := mustCompose(t, content, mustParse(t, `[{"retain":1},{"delete":1}]`))
	if composed.Text() != "ab" || composed.Length() != 2 {
		t.Fatalf("expected embed removed, got %#v", composed.Ops)
	}
}

func TestComposeRejectsBoundaryInsideSurrogatePair(t *testing.T) {
	content := New(Op{Insert: "a😀b"})

	if _, err := content.Compose(New(Op{Retain: 1}, Op{Delete: 1})); !errors.Is(err, ErrMalformedDelta) {
		t.Fatalf("expected half-pair delete to be rejected, got %v", err)
	}
	if _, err := content.Compose(New(Op{Retain: 2}, Op{Insert: "x"})); !errors.Is(err, ErrMalformedDelta) {
		t.Fatalf("expected insert between pair halves to be rejected, got %v", err)
	}

	whole := mustCompose(t, content, New(Op{Retain: 1}, Op{Delete: 2}))
	if whole.Text() != "ab" {
		t.Fatalf("expected whole pair removed, got %q", whole.Text())
	}
}
