package imapclient

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pepperpark/goimap/internal/bodystructure"
	"github.com/pepperpark/goimap/internal/header"
)

// BodyPart is one leaf of a message's structure with its content, once
// downloaded.
type BodyPart struct {
	bodystructure.Part
	message *Message

	mu         sync.Mutex
	downloaded bool
	content    []byte
}

// Downloaded reports whether the content has been fetched.
func (p *BodyPart) Downloaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloaded
}

// Content returns the decoded content, nil before Download.
func (p *BodyPart) Content() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content
}

// Text returns the content as a string.
func (p *BodyPart) Text() string {
	return string(p.Content())
}

// Download fetches the part without setting \Seen and decodes its transfer
// encoding and charset.
func (p *BodyPart) Download(ctx context.Context) (bool, error) {
	if p.Downloaded() {
		return true, nil
	}
	m := p.message
	lc := &literalCapture{item: "BODY[" + p.Section + "]"}
	cmd := "UID FETCH " + strconv.FormatUint(uint64(m.uid), 10) + " (BODY.PEEK[" + p.Section + "])"
	ok, err := m.client().SendAndReceive(ctx, cmd, nil, lc)
	if err != nil || !ok {
		return false, err
	}
	content, err := header.DecodeBody(p.Encoding, p.ContentType(), lc.content)
	if err != nil {
		return false, fmt.Errorf("decode part %s of uid %d: %w", p.Section, m.uid, err)
	}
	p.mu.Lock()
	p.content = content
	p.downloaded = true
	p.mu.Unlock()
	return true, nil
}

// literalCapture keeps the literal that follows a given FETCH item. Small
// values sent as quoted strings are picked up from the line itself.
type literalCapture struct {
	item    string
	expect  bool
	found   bool
	content []byte
}

var quotedItemRex = regexp.MustCompile(`^"((?:[^"\\]|\\.)*)"`)

func (lc *literalCapture) ProcessCommandResult(line string) {
	if lc.found {
		return
	}
	i := strings.Index(line, lc.item+" ")
	if i < 0 || lc.expect {
		return
	}
	rest := line[i+len(lc.item)+1:]
	switch {
	case strings.HasPrefix(rest, "{"):
		lc.expect = true
	case strings.HasPrefix(rest, `"`):
		if g := quotedItemRex.FindStringSubmatch(rest); g != nil {
			unescaped := strings.NewReplacer(`\\`, `\`, `\"`, `"`).Replace(g[1])
			lc.content = []byte(unescaped)
			lc.found = true
		}
	case strings.HasPrefix(rest, "NIL"):
		lc.found = true
	}
}

func (lc *literalCapture) ProcessLiteral(b []byte) {
	if !lc.expect || lc.found {
		return
	}
	lc.content = append([]byte(nil), b...)
	lc.expect = false
	lc.found = true
}
