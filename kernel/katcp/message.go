package katcp

import (
	"strings"

	"github.com/pkg/errors"
)

// Type is the leading character of a KATCP message.
type Type byte

const (
	Request Type = '?'
	Reply   Type = '!'
	Inform  Type = '#'
)

const (
	StatusOK      = "ok"
	StatusFail    = "fail"
	StatusInvalid = "invalid"
)

// Message is one line of the KATCP protocol, e.g. "?configure[7] p1 a1,a2 ...".
type Message struct {
	Type Type
	Name string
	ID   string
	Args []string
}

func NewReply(req *Message, args ...string) *Message {
	return &Message{Type: Reply, Name: req.Name, ID: req.ID, Args: args}
}

func NewInform(req *Message, args ...string) *Message {
	return &Message{Type: Inform, Name: req.Name, ID: req.ID, Args: args}
}

// OK reports whether a reply carries the ok status.
func (m *Message) OK() bool {
	return m.Type == Reply && len(m.Args) > 0 && m.Args[0] == StatusOK
}

func (m *Message) String() string {
	var b strings.Builder
	b.WriteByte(byte(m.Type))
	b.WriteString(m.Name)
	if m.ID != "" {
		b.WriteByte('[')
		b.WriteString(m.ID)
		b.WriteByte(']')
	}
	for _, arg := range m.Args {
		b.WriteByte(' ')
		b.WriteString(Escape(arg))
	}
	return b.String()
}

// ParseMessage decodes one line without its terminating newline.
func ParseMessage(line string) (*Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, errors.New("empty message")
	}
	m := &Message{Type: Type(line[0])}
	switch m.Type {
	case Request, Reply, Inform:
	default:
		return nil, errors.Errorf("invalid message type [%c]", line[0])
	}

	fields := strings.FieldsFunc(line[1:], func(r rune) bool { return r == ' ' || r == '\t' })
	if len(fields) == 0 {
		return nil, errors.New("message has no name")
	}
	name := fields[0]
	if i := strings.IndexByte(name, '['); i >= 0 {
		if !strings.HasSuffix(name, "]") {
			return nil, errors.Errorf("malformed message id in [%s]", name)
		}
		m.ID = name[i+1 : len(name)-1]
		name = name[:i]
		if m.ID == "" || strings.Trim(m.ID, "0123456789") != "" {
			return nil, errors.Errorf("message id must be numeric, got [%s]", m.ID)
		}
	}
	if !validName(name) {
		return nil, errors.Errorf("invalid message name [%s]", name)
	}
	m.Name = name
	for _, f := range fields[1:] {
		arg, err := Unescape(f)
		if err != nil {
			return nil, err
		}
		m.Args = append(m.Args, arg)
	}
	return m, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

var escapes = map[byte]byte{
	'\\': '\\',
	'_':  ' ',
	'0':  0,
	'n':  '\n',
	'r':  '\r',
	'e':  0x1b,
	't':  '\t',
}

// Escape encodes an argument so it survives space separated framing.
func Escape(arg string) string {
	if arg == "" {
		return `\@`
	}
	var b strings.Builder
	for i := 0; i < len(arg); i++ {
		switch c := arg[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case ' ':
			b.WriteString(`\_`)
		case 0:
			b.WriteString(`\0`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0x1b:
			b.WriteString(`\e`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape reverses Escape.
func Unescape(arg string) (string, error) {
	if arg == `\@` {
		return "", nil
	}
	if !strings.Contains(arg, `\`) {
		return arg, nil
	}
	var b strings.Builder
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 == len(arg) {
			return "", errors.Errorf("trailing escape in [%s]", arg)
		}
		i++
		out, ok := escapes[arg[i]]
		if !ok {
			return "", errors.Errorf("invalid escape [\\%c] in [%s]", arg[i], arg)
		}
		b.WriteByte(out)
	}
	return b.String(), nil
}
