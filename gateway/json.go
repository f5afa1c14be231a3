package gateway

import (
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// MemberType enumerates the JSON value kinds a Document can hold.
type MemberType int

const (
	TypeNull MemberType = iota
	TypeString
	TypeNumber
	TypeObject
	TypeArray
	TypeBoolean
)

// Document is a read-only parsed JSON value. It supports typed, by-name
// member lookup and nothing else: no mutation, no serialization.
type Document struct {
	kind    MemberType
	str     string
	boolean bool
	members map[string]*Document
	elems   []*Document
}

// ParseJSON parses text into a Document. Any malformed input, including
// trailing data after a valid value, yields nil rather than a partial tree.
func ParseJSON(text string) *Document {
	p := &jsonParser{src: text}
	doc := p.parseValue()
	if doc == nil {
		return nil
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil
	}
	return doc
}

// HasMember reports whether the named member exists. Always false for
// non-object documents.
func (d *Document) HasMember(name string) bool {
	if d == nil || d.kind != TypeObject {
		return false
	}
	_, ok := d.members[name]
	return ok
}

// MemberString returns the textual value of a named scalar member. Object,
// array, and null members (and absent members) report not found.
func (d *Document) MemberString(name string) (string, bool) {
	m := d.member(name)
	if m == nil {
		return "", false
	}
	switch m.kind {
	case TypeString, TypeNumber:
		return m.str, true
	case TypeBoolean:
		if m.boolean {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

// MemberObject returns a named member that is itself an object, or nil.
func (d *Document) MemberObject(name string) *Document {
	m := d.member(name)
	if m == nil || m.kind != TypeObject {
		return nil
	}
	return m
}

// MemberType returns the type of a named member. An absent member reports
// TypeNull, indistinguishable from an explicit null; callers that care use
// HasMember first.
func (d *Document) MemberType(name string) MemberType {
	m := d.member(name)
	if m == nil {
		return TypeNull
	}
	return m.kind
}

func (d *Document) member(name string) *Document {
	if d == nil || d.kind != TypeObject {
		return nil
	}
	return d.members[name]
}

type jsonParser struct {
	src string
	pos int
}

func (p *jsonParser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *jsonParser) parseValue() *Document {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil
	}
	switch c := p.src[p.pos]; {
	case c == '{':
		return p.parseObject()
	case c == '[':
		return p.parseArray()
	case c == '"':
		s, ok := p.parseString()
		if !ok {
			return nil
		}
		return &Document{kind: TypeString, str: s}
	case c == 't':
		if p.literal("true") {
			return &Document{kind: TypeBoolean, boolean: true}
		}
		return nil
	case c == 'f':
		if p.literal("false") {
			return &Document{kind: TypeBoolean}
		}
		return nil
	case c == 'n':
		if p.literal("null") {
			return &Document{kind: TypeNull}
		}
		return nil
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	default:
		return nil
	}
}

func (p *jsonParser) literal(lit string) bool {
	if strings.HasPrefix(p.src[p.pos:], lit) {
		p.pos += len(lit)
		return true
	}
	return false
}

func (p *jsonParser) parseObject() *Document {
	p.pos++ // consume '{'
	doc := &Document{kind: TypeObject, members: make(map[string]*Document)}

	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == '}' {
		p.pos++
		return doc
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != '"' {
			return nil
		}
		name, ok := p.parseString()
		if !ok {
			return nil
		}
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != ':' {
			return nil
		}
		p.pos++
		val := p.parseValue()
		if val == nil {
			return nil
		}
		doc.members[name] = val

		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return doc
		default:
			return nil
		}
	}
}

func (p *jsonParser) parseArray() *Document {
	p.pos++ // consume '['
	doc := &Document{kind: TypeArray}

	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == ']' {
		p.pos++
		return doc
	}
	for {
		val := p.parseValue()
		if val == nil {
			return nil
		}
		doc.elems = append(doc.elems, val)

		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return doc
		default:
			return nil
		}
	}
}

func (p *jsonParser) parseString() (string, bool) {
	p.pos++ // consume '"'
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == '"':
			p.pos++
			return b.String(), true
		case c == '\\':
			p.pos++
			if p.pos >= len(p.src) {
				return "", false
			}
			switch p.src[p.pos] {
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			case '/':
				b.WriteByte('/')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'u':
				r, ok := p.parseUnicodeEscape()
				if !ok {
					return "", false
				}
				b.WriteRune(r)
				continue
			default:
				return "", false
			}
			p.pos++
		case c < 0x20:
			return "", false
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", false
}

// parseUnicodeEscape decodes \uXXXX with the parser positioned on the 'u',
// combining surrogate pairs when present.
func (p *jsonParser) parseUnicodeEscape() (rune, bool) {
	hex4 := func() (rune, bool) {
		if p.pos+5 > len(p.src) {
			return 0, false
		}
		v, err := strconv.ParseUint(p.src[p.pos+1:p.pos+5], 16, 32)
		if err != nil {
			return 0, false
		}
		p.pos += 5
		return rune(v), true
	}

	r, ok := hex4()
	if !ok {
		return 0, false
	}
	if utf16.IsSurrogate(r) {
		if p.pos+1 < len(p.src) && p.src[p.pos] == '\\' && p.src[p.pos+1] == 'u' {
			p.pos++
			r2, ok := hex4()
			if !ok {
				return 0, false
			}
			if combined := utf16.DecodeRune(r, r2); combined != utf8.RuneError {
				return combined, true
			}
		}
		return utf8.RuneError, true
	}
	return r, true
}

func (p *jsonParser) parseNumber() *Document {
	start := p.pos
	if p.src[p.pos] == '-' {
		p.pos++
	}
	digits := func() bool {
		n := 0
		for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
			n++
		}
		return n > 0
	}
	intStart := p.pos
	if !digits() {
		return nil
	}
	if p.src[intStart] == '0' && p.pos-intStart > 1 {
		return nil
	}
	if p.pos < len(p.src) && p.src[p.pos] == '.' {
		p.pos++
		if !digits() {
			return nil
		}
	}
	if p.pos < len(p.src) && (p.src[p.pos] == 'e' || p.src[p.pos] == 'E') {
		p.pos++
		if p.pos < len(p.src) && (p.src[p.pos] == '+' || p.src[p.pos] == '-') {
			p.pos++
		}
		if !digits() {
			return nil
		}
	}
	lit := p.src[start:p.pos]
	if _, err := strconv.ParseFloat(lit, 64); err != nil {
		return nil
	}
	return &Document{kind: TypeNumber, str: lit}
}
