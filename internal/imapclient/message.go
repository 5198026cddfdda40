package imapclient

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/mail"

	"github.com/pepperpark/goimap/internal/bodystructure"
	"github.com/pepperpark/goimap/internal/header"
	"github.com/pepperpark/goimap/internal/response"
)

// Importance is the decoded Importance header.
type Importance int

const (
	ImportanceNormal Importance = iota
	ImportanceHigh
	ImportanceMedium
	ImportanceLow
)

func parseImportance(v string) Importance {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "high", "urgent", "1", "2":
		return ImportanceHigh
	case "medium", "3":
		return ImportanceMedium
	case "low", "non-urgent", "4", "5":
		return ImportanceLow
	}
	return ImportanceNormal
}

// Sensitivity is the decoded Sensitivity header.
type Sensitivity int

const (
	SensitivityNone Sensitivity = iota
	SensitivityPersonal
	SensitivityPrivate
	SensitivityCompanyConfidential
)

func parseSensitivity(v string) Sensitivity {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "personal":
		return SensitivityPersonal
	case "private":
		return SensitivityPrivate
	case "company-confidential", "companyconfidential":
		return SensitivityCompanyConfidential
	}
	return SensitivityNone
}

var (
	headerBlockRex  = regexp.MustCompile(`BODY\[HEADER(\.FIELDS.*?)?\] \{\d+\}$`)
	headerLineRex   = regexp.MustCompile(`^([^\s:]+):\s?(.*)$`)
	fieldStartRex   = regexp.MustCompile(`^[A-Za-z-]+:`)
	sizeRex         = regexp.MustCompile(`RFC822\.SIZE (\d+)`)
	flagsRex        = regexp.MustCompile(`FLAGS \((.*?)\)`)
	internalDateRex = regexp.MustCompile(`INTERNALDATE "(.+?)"`)
	bodyStructRex   = regexp.MustCompile(`BODYSTRUCTURE \(`)
	threadIDRex     = regexp.MustCompile(`X-GM-THRID (\d+)`)
	gmailMsgIDRex   = regexp.MustCompile(`X-GM-MSGID (\d+)`)
	labelsRex       = regexp.MustCompile(`X-GM-LABELS \((.*?)\)`)
	labelSplitRex   = regexp.MustCompile(`("[^"]*"|[^"\s]+)`)
)

// Message is a message in a folder, identified by its UID. Fields are
// filled in by Download as the matching categories arrive.
type Message struct {
	folder *Folder
	uid    uint32

	mu         sync.Mutex
	progress   FetchProgress
	headers    map[string]string
	headerMode bool
	lastHeader string

	Size            uint32
	InternalDate    time.Time
	Date            time.Time
	Subject         string
	From            *mail.Address
	Sender          *mail.Address
	To              []*mail.Address
	Cc              []*mail.Address
	Bcc             []*mail.Address
	ReplyTo         []*mail.Address
	ReturnPath      *mail.Address
	MessageID       string
	InReplyTo       string
	Organization    string
	ContentType     string
	ContentEncoding string
	Mailer          string
	Language        string
	Comments        string
	Importance      Importance
	Sensitivity     Sensitivity
	GMailMessageID  uint64

	flags  *MessageFlagCollection
	labels *LabelCollection
	thread *Thread

	parts       []*BodyPart
	body        Body
	attachments []*BodyPart
	embedded    []*BodyPart
}

// Body holds the primary text and HTML parts.
type Body struct {
	Text *BodyPart
	HTML *BodyPart
}

func newMessage(f *Folder, uid uint32) *Message {
	m := &Message{folder: f, uid: uid, headers: make(map[string]string)}
	m.flags = newMessageFlagCollection(m)
	m.labels = newLabelCollection(m)
	return m
}

func (m *Message) UID() uint32 { return m.uid }

func (m *Message) Folder() *Folder { return m.folder }

func (m *Message) client() *Client { return m.folder.client }

// Progress reports which categories have been retrieved.
func (m *Message) Progress() FetchProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// Header returns a header value by case-insensitive name.
func (m *Message) Header(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headers[strings.ToLower(name)]
}

// Headers returns a copy of the raw header values keyed by lowercased name.
func (m *Message) Headers() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		out[k] = v
	}
	return out
}

func (m *Message) Flags() *MessageFlagCollection { return m.flags }

func (m *Message) Labels() *LabelCollection { return m.labels }

// Thread is the GMail conversation, nil unless thread ids were fetched.
func (m *Message) Thread() *Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thread
}

// BodyParts are the leaf parts from BODYSTRUCTURE.
func (m *Message) BodyParts() []*BodyPart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*BodyPart(nil), m.parts...)
}

func (m *Message) Body() Body {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.body
}

func (m *Message) Attachments() []*BodyPart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*BodyPart(nil), m.attachments...)
}

// EmbeddedResources are inline parts and parts referenced by content id.
func (m *Message) EmbeddedResources() []*BodyPart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*BodyPart(nil), m.embedded...)
}

// Seen reports whether \Seen is set locally.
func (m *Message) Seen() bool {
	return m.flags.Contains(FlagSeen)
}

// SetSeen adds or removes \Seen on the server.
func (m *Message) SetSeen(ctx context.Context, seen bool) (bool, error) {
	if seen {
		return m.flags.Add(ctx, FlagSeen)
	}
	return m.flags.Remove(ctx, FlagSeen)
}

// Download fetches the categories of mode not retrieved yet. With
// reloadHeaders the headers are fetched again even if present.
func (m *Message) Download(ctx context.Context, mode FetchMode, reloadHeaders bool) (bool, error) {
	c := m.client()
	if mode == FetchClientDefault {
		mode = c.Behavior().FetchMode
	}
	if mode == FetchNone {
		return true, nil
	}

	m.mu.Lock()
	m.headerMode = false
	m.mu.Unlock()

	items := m.fetchItems(mode, reloadHeaders)
	if len(items) > 0 {
		var data []string
		cmd := "UID FETCH " + strconv.FormatUint(uint64(m.uid), 10) + " (" + strings.Join(items, " ") + ")"
		ok, err := c.SendAndReceive(ctx, cmd, &data, nil)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		m.normalize(data)
	}
	m.bindHeaders()

	if mode&(fetchBodyContent|fetchAttachmentContent) == 0 {
		return true, nil
	}
	for _, p := range m.BodyParts() {
		if mode.Has(FetchAttachments) || (mode.Has(FetchBody) && isMainText(p)) {
			if _, err := p.Download(ctx); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

func (m *Message) fetchItems(mode FetchMode, reloadHeaders bool) []string {
	caps := m.client().Capabilities()
	behavior := m.client().Behavior()

	m.mu.Lock()
	defer m.mu.Unlock()

	var items []string
	if mode.Has(FetchFlags) && !m.progress.Has(GotFlags) {
		items = append(items, "FLAGS")
	}
	if mode.Has(FetchInternalDate) && !m.progress.Has(GotInternalDate) {
		items = append(items, "INTERNALDATE")
	}
	if mode.Has(FetchSize) && !m.progress.Has(GotSize) {
		items = append(items, "RFC822.SIZE")
	}
	if mode.Has(FetchHeaders) && (!m.progress.Has(GotHeaders) || reloadHeaders) {
		m.headers = make(map[string]string)
		m.progress &^= GotHeaders
		if len(behavior.RequestedHeaders) == 0 {
			items = append(items, "BODY.PEEK[HEADER]")
		} else {
			names := make([]string, len(behavior.RequestedHeaders))
			for i, h := range behavior.RequestedHeaders {
				names[i] = strings.ToUpper(h)
			}
			items = append(items, "BODY.PEEK[HEADER.FIELDS ("+strings.Join(names, " ")+")]")
		}
	}
	if mode.Has(FetchBodyStructure) && !m.progress.Has(GotBodyStructure) {
		items = append(items, "BODYSTRUCTURE")
	}
	if caps.XGMExt1 {
		if mode.Has(FetchGMailMessageID) && !m.progress.Has(GotGMailMessageID) {
			items = append(items, "X-GM-MSGID")
		}
		if mode.Has(FetchGMailThreads) && !m.progress.Has(GotGMailThread) {
			items = append(items, "X-GM-THRID")
		}
		if mode.Has(FetchGMailLabels) && !m.progress.Has(GotGMailLabels) {
			items = append(items, "X-GM-LABELS")
		}
	}
	return items
}

// normalize joins FETCH response chunks that were split across lines
// until their parentheses balance, then processes each joined chunk.
// A chunk is flushed early when the next line starts a header field.
// Header block lines are taken one by one without balancing.
func (m *Message) normalize(data []string) {
	var buf strings.Builder
	for i, l := range data {
		if m.inHeaders() {
			if buf.Len() > 0 {
				m.ProcessCommandResult(buf.String())
				buf.Reset()
			}
			m.ProcessCommandResult(l)
			continue
		}
		buf.WriteString(l)
		s := buf.String()
		first := 0
		if i == 0 {
			first = 1
		}
		if strings.Count(s, ")")+first >= strings.Count(s, "(") ||
			(i+1 < len(data) && fieldStartRex.MatchString(data[i+1])) {
			m.ProcessCommandResult(s)
			buf.Reset()
		}
	}
	if buf.Len() > 0 {
		m.ProcessCommandResult(buf.String())
	}
}

func (m *Message) inHeaders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headerMode
}

// ProcessCommandResult consumes one joined FETCH chunk.
func (m *Message) ProcessCommandResult(data string) {
	// A server completion never carries message data.
	tagged := response.Parse(data).Kind == response.Tagged

	m.mu.Lock()
	if m.headerMode {
		switch {
		case data == "" || tagged:
			m.headerMode = false
			m.mu.Unlock()
			return
		case data[0] == ' ' || data[0] == '\t' || headerLineRex.MatchString(data):
			m.processHeaderLine(data)
			m.mu.Unlock()
			return
		}
		// The literal ended without a blank line.
		m.headerMode = false
	}
	m.mu.Unlock()

	if tagged {
		return
	}

	m.processAttributes(data)

	if headerBlockRex.MatchString(data) {
		m.mu.Lock()
		m.headerMode = true
		m.lastHeader = ""
		m.progress |= GotHeaders
		m.mu.Unlock()
	}
}

func (m *Message) processAttributes(data string) {
	var thread uint64
	m.mu.Lock()
	if m.client().Capabilities().XGMExt1 {
		if !m.progress.Has(GotGMailThread) {
			if g := threadIDRex.FindStringSubmatch(data); g != nil {
				if id, err := strconv.ParseUint(g[1], 10, 64); err == nil {
					thread = id
					m.progress |= GotGMailThread
				}
			}
		}
		if !m.progress.Has(GotGMailMessageID) {
			if g := gmailMsgIDRex.FindStringSubmatch(data); g != nil {
				if id, err := strconv.ParseUint(g[1], 10, 64); err == nil {
					m.GMailMessageID = id
					m.progress |= GotGMailMessageID
				}
			}
		}
	}
	if !m.progress.Has(GotSize) {
		if g := sizeRex.FindStringSubmatch(data); g != nil {
			if n, err := strconv.ParseUint(g[1], 10, 32); err == nil {
				m.Size = uint32(n)
				m.progress |= GotSize
			}
		}
	}
	var flags, labels []string
	gotFlags, gotLabels := false, false
	if !m.progress.Has(GotFlags) {
		if g := flagsRex.FindStringSubmatch(data); g != nil {
			flags = strings.Fields(g[1])
			gotFlags = true
			m.progress |= GotFlags
		}
	}
	if !m.progress.Has(GotGMailLabels) {
		if g := labelsRex.FindStringSubmatch(data); g != nil {
			for _, l := range labelSplitRex.FindAllString(g[1], -1) {
				labels = append(labels, decodeName(strings.Trim(l, `"`)))
			}
			gotLabels = true
			m.progress |= GotGMailLabels
		}
	}
	if !m.progress.Has(GotInternalDate) {
		if g := internalDateRex.FindStringSubmatch(data); g != nil {
			if t, err := time.Parse(imap.DateTimeLayout, g[1]); err == nil {
				m.InternalDate = t
				m.progress |= GotInternalDate
			}
		}
	}
	var parts []bodystructure.Part
	gotParts := false
	if !m.progress.Has(GotBodyStructure) {
		if loc := bodyStructRex.FindStringIndex(data); loc != nil {
			p, err := bodystructure.Parse(data[loc[1]-1:])
			if err == nil {
				parts = p
				gotParts = true
				m.progress |= GotBodyStructure
			} else {
				m.client().log.Debug().Err(err).Uint32("uid", m.uid).Msg("bodystructure")
			}
		}
	}
	m.mu.Unlock()

	if gotFlags {
		m.flags.set(flags)
	}
	if gotLabels {
		m.labels.set(labels)
	}
	if thread != 0 {
		t := m.folder.thread(thread)
		t.add(m)
		m.mu.Lock()
		m.thread = t
		m.mu.Unlock()
	}
	if gotParts {
		m.setParts(parts)
	}
}

// processHeaderLine stores a "Name: value" line or appends a folded
// continuation to the previous header. Must hold m.mu.
func (m *Message) processHeaderLine(data string) {
	g := headerLineRex.FindStringSubmatch(data)
	if g == nil || data[0] == ' ' || data[0] == '\t' {
		if m.lastHeader != "" {
			m.headers[m.lastHeader] += data
		}
		return
	}
	name := strings.ToLower(g[1])
	value := g[2]
	if prev, ok := m.headers[name]; ok {
		value = prev + headerJoiner(name) + value
	}
	m.headers[name] = value
	m.lastHeader = name
}

func headerJoiner(name string) string {
	switch name {
	case "content-type":
		return "; "
	case "to", "cc", "bcc", "reply-to", "delivered-to":
		return ", "
	}
	return "\n"
}

// bindHeaders copies header values into the typed fields.
func (m *Message) bindHeaders() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.progress.Has(GotHeaders) {
		return
	}
	log := m.client().log
	addrs := func(name, v string) []*mail.Address {
		list, err := header.AddressList(v)
		if err != nil {
			log.Debug().Err(err).Str("header", name).Uint32("uid", m.uid).Msg("parse addresses")
		}
		return list
	}
	addr := func(name, v string) *mail.Address {
		a, err := header.Address(v)
		if err != nil {
			log.Debug().Err(err).Str("header", name).Uint32("uid", m.uid).Msg("parse address")
		}
		return a
	}

	// To first, then Delivered-To.
	m.To = nil
	if v, ok := m.headers["to"]; ok {
		m.To = addrs("to", v)
	}
	if v, ok := m.headers["delivered-to"]; ok {
		if a := addr("delivered-to", v); a != nil {
			m.To = append(m.To, a)
		}
	}
	for name, v := range m.headers {
		switch name {
		case "subject":
			m.Subject = header.Decode(v)
		case "from":
			m.From = addr(name, v)
		case "sender":
			m.Sender = addr(name, v)
		case "cc":
			m.Cc = addrs(name, v)
		case "bcc":
			m.Bcc = addrs(name, v)
		case "reply-to":
			m.ReplyTo = addrs(name, v)
		case "return-path":
			first, _, _ := strings.Cut(v, "\n")
			m.ReturnPath = addr(name, first)
		case "organization", "organisation":
			m.Organization = header.Decode(v)
		case "date":
			if t, err := header.Date(v); err == nil {
				m.Date = t
			}
		case "importance":
			m.Importance = parseImportance(v)
		case "sensitivity":
			m.Sensitivity = parseSensitivity(v)
		case "content-type":
			if mt, _, err := header.ContentType(v); err == nil {
				m.ContentType = mt
			} else {
				m.ContentType = strings.TrimSpace(v)
			}
		case "content-transfer-encoding":
			m.ContentEncoding = strings.ToLower(strings.TrimSpace(v))
		case "message-id":
			m.MessageID = strings.TrimSpace(v)
		case "in-reply-to":
			m.InReplyTo = strings.TrimSpace(v)
		case "mailer", "x-mailer":
			m.Mailer = v
		case "content-language", "language":
			m.Language = v
		case "comments":
			m.Comments = header.Decode(v)
		}
	}
}

// setParts wraps the structure and sorts parts into body, attachments and
// embedded resources.
func (m *Message) setParts(parts []bodystructure.Part) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts = make([]*BodyPart, len(parts))
	m.body = Body{}
	m.attachments = nil
	m.embedded = nil
	for i, p := range parts {
		bp := &BodyPart{Part: p, message: m}
		m.parts[i] = bp
		switch {
		case p.Disposition == "" && p.MediaType == "text/plain" && m.body.Text == nil:
			m.body.Text = bp
		case p.Disposition == "" && p.MediaType == "text/html" && m.body.HTML == nil:
			m.body.HTML = bp
		}
		if p.Disposition == "attachment" {
			m.attachments = append(m.attachments, bp)
		}
		if p.Disposition == "inline" || p.ID != "" {
			m.embedded = append(m.embedded, bp)
		}
	}
}

func isMainText(p *BodyPart) bool {
	return p.Disposition == "" && (p.MediaType == "text/plain" || p.MediaType == "text/html")
}

// DownloadRaw fetches the complete message source without setting \Seen.
func (m *Message) DownloadRaw(ctx context.Context) ([]byte, error) {
	lc := &literalCapture{item: "BODY[]"}
	cmd := "UID FETCH " + strconv.FormatUint(uint64(m.uid), 10) + " (BODY.PEEK[])"
	ok, err := m.client().SendAndReceive(ctx, cmd, nil, lc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: fetch source of uid %d", ErrOperationFailed, m.uid)
	}
	return lc.content, nil
}

// CopyTo copies the message into dest. With downloadCopy the copy is
// fetched into dest when the server reports its UID.
func (m *Message) CopyTo(ctx context.Context, dest *Folder, downloadCopy bool) (bool, error) {
	if err := m.folder.ensureSelected(ctx); err != nil {
		return false, err
	}
	var data []string
	cmd := "UID COPY " + strconv.FormatUint(uint64(m.uid), 10) + " " + quote(dest.Path())
	ok, err := m.client().SendAndReceive(ctx, cmd, &data, nil)
	if err != nil || !ok {
		return false, err
	}
	if !downloadCopy || len(data) == 0 {
		return true, nil
	}
	ev := response.Parse(data[len(data)-1])
	if ev.Code != "COPYUID" {
		return true, nil
	}
	args := strings.Fields(ev.CodeArgs)
	if len(args) != 3 {
		return true, nil
	}
	if _, err := dest.Search(ctx, "UID "+args[2], FetchClientDefault, -1); err != nil {
		return true, err
	}
	return true, nil
}

// MoveTo copies the message into dest and removes it here.
func (m *Message) MoveTo(ctx context.Context, dest *Folder, downloadCopy bool) (bool, error) {
	ok, err := m.CopyTo(ctx, dest, downloadCopy)
	if err != nil || !ok {
		return false, err
	}
	return m.Remove(ctx)
}

// Remove flags the message \Deleted, expunges the folder and drops the
// message locally.
func (m *Message) Remove(ctx context.Context) (bool, error) {
	ok, err := m.flags.Add(ctx, FlagDeleted)
	if err != nil || !ok {
		return false, err
	}
	ok, err = m.folder.Expunge(ctx)
	if err != nil || !ok {
		return false, err
	}
	m.folder.messageSlot().remove(m)
	if t := m.Thread(); t != nil {
		t.remove(m)
	}
	return true, nil
}
