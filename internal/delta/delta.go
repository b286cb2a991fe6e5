package delta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"unicode/utf16"
)

var (
	// ErrMalformedDelta indicates that a delta payload cannot be decoded or composed.
	ErrMalformedDelta = errors.New("delta: malformed delta")
)

// infiniteLength stands in for the implicit retain that follows the last op.
const infiniteLength = int(^uint(0) >> 1)

// Attributes carries formatting for inserts and retains. A nil value removes
// the attribute when composed onto a retain.
type Attributes map[string]any

// Op is a single insert, retain or delete operation.
type Op struct {
	Insert     any        `json:"insert,omitempty"`
	Retain     int        `json:"retain,omitempty"`
	Delete     int        `json:"delete,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Delta is an ordered list of operations in the Quill wire format.
type Delta struct {
	Ops []Op `json:"ops"`
}

// New returns a delta holding a copy of the provided ops.
func New(ops ...Op) Delta {
	copied := make([]Op, 0, len(ops))
	for _, op := range ops {
		copied = append(copied, op.clone())
	}
	return Delta{Ops: copied}
}

// Empty returns the content of a blank document.
func Empty() Delta {
	return Delta{Ops: []Op{}}
}

// Parse decodes and validates a delta payload. Both {"ops":[...]} and a bare
// op array are accepted.
func Parse(raw []byte) (Delta, error) {
	var parsed Delta
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	if err := parsed.Validate(); err != nil {
		return Delta{}, err
	}
	return parsed, nil
}

// UnmarshalJSON accepts either an object with an ops field or a bare op array.
func (d *Delta) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		d.Ops = []Op{}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var ops []Op
		if err := json.Unmarshal(trimmed, &ops); err != nil {
			return err
		}
		d.Ops = ops
		return nil
	}
	var wire struct {
		Ops []Op `json:"ops"`
	}
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return err
	}
	d.Ops = wire.Ops
	if d.Ops == nil {
		d.Ops = []Op{}
	}
	return nil
}

// MarshalJSON always emits an ops array, never null.
func (d Delta) MarshalJSON() ([]byte, error) {
	ops := d.Ops
	if ops == nil {
		ops = []Op{}
	}
	return json.Marshal(struct {
		Ops []Op `json:"ops"`
	}{Ops: ops})
}

// Validate reports whether every op is well formed.
func (d Delta) Validate() error {
	for index, op := range d.Ops {
		if err := op.validate(); err != nil {
			return fmt.Errorf("%w: op %d: %v", ErrMalformedDelta, index, err)
		}
	}
	return nil
}

// Length returns the total length of the delta in UTF-16 code units.
func (d Delta) Length() int {
	total := 0
	for _, op := range d.Ops {
		total += op.Length()
	}
	return total
}

// IsDocument reports whether the delta only contains inserts.
func (d Delta) IsDocument() bool {
	for _, op := range d.Ops {
		if !op.IsInsert() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the delta.
func (d Delta) Clone() Delta {
	return New(d.Ops...)
}

// Compose returns the delta equivalent to applying d and then other. A
// boundary that falls inside a surrogate pair is reported as ErrMalformedDelta.
func (d Delta) Compose(other Delta) (Delta, error) {
	thisIter := newIterator(d.Ops)
	otherIter := newIterator(other.Ops)
	result := &builder{}

	for thisIter.hasNext() || otherIter.hasNext() {
		switch {
		case otherIter.peekKind() == kindInsert:
			result.push(otherIter.next(infiniteLength))
		case thisIter.peekKind() == kindDelete:
			result.push(thisIter.next(infiniteLength))
		default:
			length := min(thisIter.peekLength(), otherIter.peekLength())
			thisOp := thisIter.next(length)
			otherOp := otherIter.next(length)
			switch {
			case otherOp.Retain > 0:
				composed := Op{}
				if thisOp.Retain > 0 {
					composed.Retain = length
				} else {
					composed.Insert = thisOp.Insert
				}
				composed.Attributes = composeAttributes(thisOp.Attributes, otherOp.Attributes, thisOp.Retain > 0)
				result.push(composed)
			case otherOp.Delete > 0 && thisOp.Retain > 0:
				result.push(otherOp)
			}
		}
	}
	if thisIter.splitPair || otherIter.splitPair {
		return Delta{}, fmt.Errorf("%w: boundary splits a surrogate pair", ErrMalformedDelta)
	}
	return Delta{Ops: result.chop()}, nil
}

// Text returns the plain text of a document delta; embeds are skipped.
func (d Delta) Text() string {
	var buffer bytes.Buffer
	for _, op := range d.Ops {
		if text, ok := op.Insert.(string); ok {
			buffer.WriteString(text)
		}
	}
	return buffer.String()
}

// IsInsert reports whether the op inserts content.
func (op Op) IsInsert() bool {
	return op.Insert != nil
}

// Length returns the op length in UTF-16 code units; embeds count as one.
func (op Op) Length() int {
	switch {
	case op.Delete > 0:
		return op.Delete
	case op.Retain > 0:
		return op.Retain
	case op.Insert != nil:
		if text, ok := op.Insert.(string); ok {
			return utf16Length(text)
		}
		return 1
	default:
		return 0
	}
}

func (op Op) validate() error {
	kinds := 0
	if op.Insert != nil {
		kinds++
		switch value := op.Insert.(type) {
		case string:
			if value == "" {
				return errors.New("empty insert")
			}
		case map[string]any:
			if len(value) == 0 {
				return errors.New("empty embed")
			}
		default:
			return fmt.Errorf("unsupported insert type %T", op.Insert)
		}
	}
	if op.Retain != 0 {
		kinds++
		if op.Retain < 0 {
			return fmt.Errorf("negative retain %d", op.Retain)
		}
	}
	if op.Delete != 0 {
		kinds++
		if op.Delete < 0 {
			return fmt.Errorf("negative delete %d", op.Delete)
		}
		if len(op.Attributes) > 0 {
			return errors.New("delete carries attributes")
		}
	}
	if kinds != 1 {
		return fmt.Errorf("expected exactly one of insert, retain, delete; got %d", kinds)
	}
	return nil
}

func (op Op) clone() Op {
	copied := Op{Retain: op.Retain, Delete: op.Delete}
	switch value := op.Insert.(type) {
	case map[string]any:
		embed := make(map[string]any, len(value))
		for key, item := range value {
			embed[key] = item
		}
		copied.Insert = embed
	default:
		copied.Insert = value
	}
	if len(op.Attributes) > 0 {
		copied.Attributes = make(Attributes, len(op.Attributes))
		for key, value := range op.Attributes {
			copied.Attributes[key] = value
		}
	}
	return copied
}

func composeAttributes(base, change Attributes, keepNull bool) Attributes {
	composed := make(Attributes, len(base)+len(change))
	for key, value := range change {
		if value == nil && !keepNull {
			continue
		}
		composed[key] = value
	}
	for key, value := range base {
		if value == nil {
			continue
		}
		if _, overridden := change[key]; overridden {
			continue
		}
		composed[key] = value
	}
	if len(composed) == 0 {
		return nil
	}
	return composed
}

func attributesEqual(left, right Attributes) bool {
	if len(left) == 0 && len(right) == 0 {
		return true
	}
	return reflect.DeepEqual(left, right)
}

func utf16Length(text string) int {
	length := 0
	for _, r := range text {
		if r >= 0x10000 {
			length += 2
		} else {
			length++
		}
	}
	return length
}

// utf16Slice cuts text by UTF-16 units and reports whether either edge
// lands between the halves of a surrogate pair.
func utf16Slice(text string, offset, length int) (string, bool) {
	units := utf16.Encode([]rune(text))
	end := offset + length
	if end > len(units) {
		end = len(units)
	}
	split := isLowSurrogate(units, offset) || isLowSurrogate(units, end)
	return string(utf16.Decode(units[offset:end])), split
}

func isLowSurrogate(units []uint16, index int) bool {
	return index > 0 && index < len(units) && units[index] >= 0xDC00 && units[index] <= 0xDFFF
}
