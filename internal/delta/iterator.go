package delta

type opKind int

const (
	kindRetain opKind = iota
	kindInsert
	kindDelete
)

type iterator struct {
	ops       []Op
	index     int
	offset    int
	splitPair bool
}

func newIterator(ops []Op) *iterator {
	return &iterator{ops: ops}
}

func (it *iterator) hasNext() bool {
	return it.peekLength() < infiniteLength
}

func (it *iterator) peekLength() int {
	if it.index >= len(it.ops) {
		return infiniteLength
	}
	return it.ops[it.index].Length() - it.offset
}

func (it *iterator) peekKind() opKind {
	if it.index >= len(it.ops) {
		return kindRetain
	}
	op := it.ops[it.index]
	switch {
	case op.Delete > 0:
		return kindDelete
	case op.Insert != nil:
		return kindInsert
	default:
		return kindRetain
	}
}

// next consumes up to length units of the current op. Past the end it
// yields an implicit retain of the requested length.
func (it *iterator) next(length int) Op {
	if it.index >= len(it.ops) {
		return Op{Retain: length}
	}
	current := it.ops[it.index]
	offset := it.offset
	remaining := current.Length() - offset
	if length >= remaining {
		length = remaining
		it.index++
		it.offset = 0
	} else {
		it.offset += length
	}

	if current.Delete > 0 {
		return Op{Delete: length}
	}
	result := Op{}
	if len(current.Attributes) > 0 {
		result.Attributes = current.clone().Attributes
	}
	switch value := current.Insert.(type) {
	case nil:
		result.Retain = length
	case string:
		text, split := utf16Slice(value, offset, length)
		result.Insert = text
		it.splitPair = it.splitPair || split
	default:
		result.Insert = current.clone().Insert
	}
	return result
}

type builder struct {
	ops []Op
}

// push appends op, merging it into the previous op when both have the same
// kind and attributes. Inserts are placed before a trailing delete.
func (b *builder) push(op Op) {
	if op.Length() == 0 {
		return
	}
	op = op.clone()
	index := len(b.ops)
	if index > 0 {
		last := &b.ops[index-1]
		if op.Delete > 0 && last.Delete > 0 {
			last.Delete += op.Delete
			return
		}
		if last.Delete > 0 && op.Insert != nil {
			index--
			if index == 0 {
				b.ops = append([]Op{op}, b.ops...)
				return
			}
			last = &b.ops[index-1]
		}
		if attributesEqual(op.Attributes, last.Attributes) {
			lastText, lastIsText := last.Insert.(string)
			opText, opIsText := op.Insert.(string)
			if lastIsText && opIsText {
				last.Insert = lastText + opText
				return
			}
			if op.Retain > 0 && last.Retain > 0 {
				last.Retain += op.Retain
				return
			}
		}
	}
	if index == len(b.ops) {
		b.ops = append(b.ops, op)
		return
	}
	b.ops = append(b.ops, Op{})
	copy(b.ops[index+1:], b.ops[index:])
	b.ops[index] = op
}

// chop drops a trailing plain retain, which carries no information.
func (b *builder) chop() []Op {
	if n := len(b.ops); n > 0 {
		last := b.ops[n-1]
		if last.Retain > 0 && len(last.Attributes) == 0 {
			b.ops = b.ops[:n-1]
		}
	}
	if b.ops == nil {
		return []Op{}
	}
	return b.ops
}
