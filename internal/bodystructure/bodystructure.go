// Package bodystructure turns a BODYSTRUCTURE value into the flat list of
// leaf parts a client can download one by one.
package bodystructure

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"

	"github.com/pepperpark/goimap/internal/header"
)

// Part is a single non-multipart entity of a message.
type Part struct {
	// Section is the IMAP part specifier, e.g. "1" or "2.1".
	Section           string
	MediaType         string
	Params            map[string]string
	ID                string
	Description       string
	Encoding          string
	Size              uint32
	Lines             uint32
	Disposition       string
	DispositionParams map[string]string
	Language          []string
	Location          string
}

// Depth is the nesting level of the part, 1 for top-level parts.
func (p Part) Depth() int {
	return strings.Count(p.Section, ".") + 1
}

// Charset returns the charset parameter, if any.
func (p Part) Charset() string {
	return p.Params["charset"]
}

// ContentType renders the media type with its parameters.
func (p Part) ContentType() string {
	var b strings.Builder
	b.WriteString(p.MediaType)
	for k, v := range p.Params {
		fmt.Fprintf(&b, "; %s=%q", k, v)
	}
	return b.String()
}

// FileName returns the decoded file name from the disposition or, failing
// that, the name parameter of the content type.
func (p Part) FileName() string {
	name := p.DispositionParams["filename"]
	if name == "" {
		name = p.Params["name"]
	}
	return header.Decode(name)
}

// Parse reads the parenthesised BODYSTRUCTURE value at the start of s.
// Anything after the balanced list is ignored.
func Parse(s string) ([]Part, error) {
	list, err := balanced(s)
	if err != nil {
		return nil, err
	}
	r := imap.NewReader(bufio.NewReader(strings.NewReader(list + "\r\n")))
	fields, err := r.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read bodystructure: %w", err)
	}
	if len(fields) != 1 {
		return nil, errors.New("bodystructure: expected a single list")
	}
	inner, ok := fields[0].([]interface{})
	if !ok {
		return nil, errors.New("bodystructure: not a list")
	}
	bs := &imap.BodyStructure{}
	if err := bs.Parse(inner); err != nil {
		return nil, fmt.Errorf("parse bodystructure: %w", err)
	}

	var parts []Part
	flatten(bs, "", &parts)
	return parts, nil
}

func flatten(bs *imap.BodyStructure, prefix string, out *[]Part) {
	if strings.EqualFold(bs.MIMEType, "multipart") {
		for i, child := range bs.Parts {
			flatten(child, join(prefix, i+1), out)
		}
		return
	}
	section := prefix
	if section == "" {
		section = "1"
	}
	*out = append(*out, Part{
		Section:           section,
		MediaType:         strings.ToLower(bs.MIMEType + "/" + bs.MIMESubType),
		Params:            lowerKeys(bs.Params),
		ID:                strings.Trim(bs.Id, "<>"),
		Description:       bs.Description,
		Encoding:          strings.ToLower(bs.Encoding),
		Size:              bs.Size,
		Lines:             bs.Lines,
		Disposition:       strings.ToLower(bs.Disposition),
		DispositionParams: lowerKeys(bs.DispositionParams),
		Language:          bs.Language,
		Location:          strings.Join(bs.Location, " "),
	})
}

func join(prefix string, n int) string {
	if prefix == "" {
		return strconv.Itoa(n)
	}
	return prefix + "." + strconv.Itoa(n)
}

func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// balanced returns the first parenthesised list of s, honouring quoted
// strings.
func balanced(s string) (string, error) {
	start := strings.IndexByte(s, '(')
	if start < 0 {
		return "", errors.New("bodystructure: no list")
	}
	depth := 0
	quoted := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case quoted && c == '\\':
			i++
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", errors.New("bodystructure: unbalanced list")
}
