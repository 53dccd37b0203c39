package model

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedMessage is returned when a frame lacks a mandatory field.
var ErrMalformedMessage = errors.New("malformed message")

// Codec converts between raw frames and Messages.
type Codec interface {
	Decode(raw []byte) (Message, error)
	Encode(msg Message) []byte
}

// WireCodec is the lax scanner used on the wire. It is not a JSON parser:
// values may be quoted strings, raw arrays, raw objects or bare literals,
// and nested fragments are copied through without validation.
type WireCodec struct{}

var _ Codec = WireCodec{}

// Decode extracts the six known fields from raw. Unknown keys are skipped.
func (WireCodec) Decode(raw []byte) (Message, error) {
	fields := scanFields(string(raw))

	var msg Message
	kind, ok := fields["type"]
	if !ok {
		return Message{}, errors.Wrap(ErrMalformedMessage, "missing type")
	}
	sender, ok := fields["sender"]
	if !ok {
		return Message{}, errors.Wrap(ErrMalformedMessage, "missing sender")
	}
	msg.Kind = Kind(kind)
	msg.Sender = sender
	msg.Target = fields["target"]
	msg.Content = fields["content"]
	msg.Timestamp = fields["timestamp"]
	msg.UserList, msg.HasUserList = fields["userList"]
	return msg, nil
}

// Encode writes msg in the fixed field order
// type, sender, [target], content, [userList], timestamp.
func (WireCodec) Encode(msg Message) []byte {
	var b strings.Builder
	b.Grow(64 + len(msg.Content) + len(msg.UserList))

	b.WriteString(`{"type": `)
	writeQuoted(&b, string(msg.Kind))
	b.WriteString(`, "sender": `)
	writeQuoted(&b, msg.Sender)
	if msg.Target != "" {
		b.WriteString(`, "target": `)
		writeQuoted(&b, msg.Target)
	}
	b.WriteString(`, "content": `)
	if isStructured(msg.Content) {
		b.WriteString(msg.Content)
	} else {
		writeQuoted(&b, msg.Content)
	}
	if msg.HasUserList {
		b.WriteString(`, "userList": `)
		switch {
		case msg.UserList == "":
			b.WriteString("[]")
		case isStructured(msg.UserList):
			b.WriteString(msg.UserList)
		default:
			writeQuoted(&b, msg.UserList)
		}
	}
	b.WriteString(`, "timestamp": `)
	writeQuoted(&b, msg.Timestamp)
	b.WriteByte('}')
	return []byte(b.String())
}

// EncodeStringArray renders names as a quoted array fragment.
func EncodeStringArray(names []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, n := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		writeQuoted(&b, n)
	}
	b.WriteByte(']')
	return b.String()
}

// DecodeStringArray is the inverse of EncodeStringArray. Elements that are
// not quoted strings are kept as trimmed literals.
func DecodeStringArray(fragment string) []string {
	s := strings.TrimSpace(fragment)
	if !strings.HasPrefix(s, "[") {
		return nil
	}
	s = s[1:]
	var out []string
	for {
		s = strings.TrimLeft(s, " \t\r\n,")
		if s == "" || s[0] == ']' {
			return out
		}
		v, rest, ok := scanValue(s, ",]")
		if !ok {
			return out
		}
		out = append(out, v)
		s = rest
	}
}

// Fields reads the top-level pairs of a structured fragment such as a
// status_update or user_info_response content.
func Fields(fragment string) map[string]string {
	return scanFields(fragment)
}

func isStructured(content string) bool {
	return strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[")
}

func writeQuoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

// scanFields finds "key": value labels anywhere in raw, the way a text
// search for each label would. Quoted strings and well-formed nested values
// are skipped whole, so label text inside a value is never taken as a label.
// Anything else that does not parse is stepped over. The first occurrence of
// a key wins.
func scanFields(raw string) map[string]string {
	fields := make(map[string]string, 6)
	s := raw
	for {
		i := strings.IndexByte(s, '"')
		if i < 0 {
			return fields
		}
		key, rest, ok := scanString(s[i:])
		if !ok {
			return fields
		}
		after := strings.TrimLeft(rest, " \t\r\n")
		if after == "" || after[0] != ':' {
			// A quoted string that is not followed by a colon is a value.
			s = rest
			continue
		}
		after = strings.TrimLeft(after[1:], " \t\r\n")
		val, next, ok := scanValue(after, ",}")
		if !ok {
			s = after
			continue
		}
		if _, seen := fields[key]; !seen {
			fields[key] = val
		}
		s = next
	}
}

// scanValue reads one value of any of the four shapes from the start of s.
// A bare literal ends at the first byte in stops.
func scanValue(s, stops string) (val, rest string, ok bool) {
	if s == "" {
		return "", s, false
	}
	switch s[0] {
	case '"':
		return scanString(s)
	case '[', '{':
		return scanNested(s)
	default:
		return scanLiteral(s, stops)
	}
}

// scanString reads a quoted string starting at s[0] == '"' and returns the
// unescaped body.
func scanString(s string) (string, string, bool) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			return b.String(), s[i+1:], true
		case '\\':
			if i+1 >= len(s) {
				return "", s, false
			}
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", s, false
}

// scanNested copies a bracket- or brace-delimited fragment verbatim. Brackets
// inside quoted strings do not count towards the depth.
func scanNested(s string) (string, string, bool) {
	depth := 0
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return s[:i+1], s[i+1:], true
			}
		}
	}
	return "", s, false
}

// scanLiteral reads a bare literal such as null or 42, ending at the first
// byte in stops or the end of input.
func scanLiteral(s, stops string) (string, string, bool) {
	end := strings.IndexAny(s, stops)
	if end < 0 {
		end = len(s)
	}
	return strings.TrimSpace(s[:end]), s[end:], true
}
