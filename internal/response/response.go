// Package response turns raw IMAP server lines into typed events. Each line is
// scanned once; consumers switch on Event.Kind instead of matching every line
// against every pattern they care about.
package response

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
)

// Kind classifies a server line.
type Kind int

const (
	Unknown Kind = iota
	// Continuation is a "+ ..." request for more client data.
	Continuation
	// Tagged is the completion line of a command.
	Tagged
	// Status is an untagged OK, NO, BAD, PREAUTH or BYE.
	Status
	Capability
	// List covers LIST, XLIST and LSUB data.
	List
	// StatusData is a "* STATUS mailbox (...)" line.
	StatusData
	Search
	// Numeric is "* n NAME ..." (EXISTS, RECENT, EXPUNGE, FETCH).
	Numeric
	Flags
)

func (k Kind) String() string {
	switch k {
	case Continuation:
		return "continuation"
	case Tagged:
		return "tagged"
	case Status:
		return "status"
	case Capability:
		return "capability"
	case List:
		return "list"
	case StatusData:
		return "status-data"
	case Search:
		return "search"
	case Numeric:
		return "numeric"
	case Flags:
		return "flags"
	}
	return "unknown"
}

// Status values.
const (
	OK      = "OK"
	NO      = "NO"
	BAD     = "BAD"
	PREAUTH = "PREAUTH"
	BYE     = "BYE"
)

// Event is one parsed server line. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind
	Raw  string

	Tag      string
	Status   string
	Code     string
	CodeArgs string
	Text     string

	Number uint32
	Name   string

	Mailbox    string
	Attributes []string
	Delimiter  string

	Items map[string]string
	IDs   []uint32
	Flags []string
}

// Parse classifies a single line. It never fails: lines it does not
// understand come back as Unknown with Raw set.
func Parse(line string) Event {
	line = strings.TrimRight(line, "\r\n")
	e := Event{Raw: line}

	switch {
	case strings.HasPrefix(line, "+"):
		e.Kind = Continuation
		e.Text = strings.TrimSpace(line[1:])
	case strings.HasPrefix(line, "* "):
		parseUntagged(&e, line[2:])
	default:
		tag, rest := cut(line)
		status, text := cut(rest)
		status = strings.ToUpper(status)
		switch status {
		case OK, NO, BAD, PREAUTH:
			e.Kind = Tagged
			e.Tag = tag
			e.Status = status
			e.Code, e.CodeArgs, e.Text = parseCode(text)
		}
	}
	return e
}

// IsCompletion reports whether e completes the command tagged tag.
func (e Event) IsCompletion(tag string) bool {
	return e.Kind == Tagged && e.Tag == tag
}

// CodeNumber returns the first numeric argument of the response code.
func (e Event) CodeNumber() (uint32, bool) {
	arg, _ := cut(e.CodeArgs)
	n, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// CodeList returns the parenthesised argument of the response code as a list
// of atoms, for codes such as PERMANENTFLAGS.
func (e Event) CodeList() []string {
	if !strings.HasPrefix(e.CodeArgs, "(") {
		return strings.Fields(e.CodeArgs)
	}
	fields, err := readFields(e.CodeArgs)
	if err != nil || len(fields) == 0 {
		return nil
	}
	list, err := imap.ParseStringList(fields[0])
	if err != nil {
		return nil
	}
	return list
}

func parseUntagged(e *Event, rest string) {
	word, tail := cut(rest)
	if n, err := strconv.ParseUint(word, 10, 32); err == nil {
		e.Kind = Numeric
		e.Number = uint32(n)
		name, text := cut(tail)
		e.Name = strings.ToUpper(name)
		e.Text = text
		return
	}

	e.Name = strings.ToUpper(word)
	switch e.Name {
	case OK, NO, BAD, PREAUTH, BYE:
		e.Kind = Status
		e.Status = e.Name
		e.Code, e.CodeArgs, e.Text = parseCode(tail)
	case "CAPABILITY":
		e.Kind = Capability
		e.Text = tail
	case "LIST", "XLIST", "LSUB":
		if parseList(e, tail) {
			e.Kind = List
		}
	case "STATUS":
		if parseStatus(e, tail) {
			e.Kind = StatusData
		}
	case "SEARCH":
		e.Kind = Search
		for _, f := range strings.Fields(tail) {
			if n, err := strconv.ParseUint(f, 10, 32); err == nil {
				e.IDs = append(e.IDs, uint32(n))
			}
		}
	case "FLAGS":
		fields, err := readFields(tail)
		if err != nil || len(fields) == 0 {
			return
		}
		if flags, err := imap.ParseStringList(fields[0]); err == nil {
			e.Kind = Flags
			e.Flags = flags
		}
	default:
		e.Text = tail
	}
}

func parseList(e *Event, rest string) bool {
	fields, err := readFields(rest)
	if err != nil || len(fields) < 3 {
		return false
	}
	attrs, err := imap.ParseStringList(fields[0])
	if err != nil {
		return false
	}
	if fields[1] != nil {
		if e.Delimiter, err = imap.ParseString(fields[1]); err != nil {
			return false
		}
	}
	if e.Mailbox, err = imap.ParseString(fields[2]); err != nil {
		return false
	}
	e.Attributes = attrs
	return true
}

func parseStatus(e *Event, rest string) bool {
	fields, err := readFields(rest)
	if err != nil || len(fields) < 2 {
		return false
	}
	if e.Mailbox, err = imap.ParseString(fields[0]); err != nil {
		return false
	}
	items, ok := fields[1].([]interface{})
	if !ok {
		return false
	}
	e.Items = make(map[string]string, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		k, err := imap.ParseString(items[i])
		if err != nil {
			return false
		}
		v, err := imap.ParseString(items[i+1])
		if err != nil {
			return false
		}
		e.Items[strings.ToUpper(k)] = v
	}
	return true
}

// parseCode splits "[CODE args] text" into its parts.
func parseCode(s string) (code, args, text string) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		return "", "", s
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return "", "", s
	}
	code, args = cut(s[1:end])
	return strings.ToUpper(code), args, strings.TrimSpace(s[end+1:])
}

func readFields(s string) ([]interface{}, error) {
	r := imap.NewReader(bufio.NewReader(strings.NewReader(s + "\r\n")))
	return r.ReadLine()
}

func cut(s string) (string, string) {
	before, after, _ := strings.Cut(s, " ")
	return before, after
}
