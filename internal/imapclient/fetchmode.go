package imapclient

import (
	"fmt"
	"strings"
)

// FetchMode is the set of message data a caller asks for.
type FetchMode uint16

const (
	FetchFlags FetchMode = 1 << iota
	FetchInternalDate
	FetchSize
	FetchHeaders
	FetchBodyStructure
	fetchBodyContent
	fetchAttachmentContent
	FetchGMailMessageID
	FetchGMailThreads
	FetchGMailLabels
)

const (
	FetchNone FetchMode = 0
	// FetchBody downloads the plain text and HTML parts.
	FetchBody = FetchBodyStructure | fetchBodyContent
	// FetchAttachments downloads every part.
	FetchAttachments = FetchBodyStructure | fetchAttachmentContent

	FetchTiny    = FetchFlags | FetchHeaders | FetchBodyStructure
	FetchMinimal = FetchTiny | FetchSize | FetchInternalDate
	FetchBasic   = FetchMinimal | FetchBody
	FetchFull    = FetchBasic | FetchAttachments
	FetchGMail   = FetchGMailMessageID | FetchGMailThreads | FetchGMailLabels

	// FetchClientDefault stands for the client's configured fetch mode. It
	// is never a valid configured mode itself.
	FetchClientDefault FetchMode = 1 << 15
)

// Has reports whether every bit of c is requested.
func (m FetchMode) Has(c FetchMode) bool {
	return c != 0 && m&c == c
}

var fetchModeNames = []struct {
	name string
	mode FetchMode
}{
	{"full", FetchFull},
	{"basic", FetchBasic},
	{"minimal", FetchMinimal},
	{"tiny", FetchTiny},
	{"gmail", FetchGMail},
	{"body", FetchBody},
	{"attachments", FetchAttachments},
	{"flags", FetchFlags},
	{"internal_date", FetchInternalDate},
	{"size", FetchSize},
	{"headers", FetchHeaders},
	{"body_structure", FetchBodyStructure},
	{"gmail_message_id", FetchGMailMessageID},
	{"gmail_threads", FetchGMailThreads},
	{"gmail_labels", FetchGMailLabels},
	{"none", FetchNone},
	{"default", FetchClientDefault},
}

// ParseFetchMode accepts a mode name or several joined with "|" or ",".
func ParseFetchMode(s string) (FetchMode, error) {
	var m FetchMode
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' || r == ' ' }) {
		found := false
		for _, n := range fetchModeNames {
			if strings.EqualFold(part, n.name) {
				m |= n.mode
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown fetch mode %q", part)
		}
	}
	return m, nil
}

func (m FetchMode) String() string {
	if m == FetchNone {
		return "none"
	}
	if m == FetchClientDefault {
		return "default"
	}
	var parts []string
	rest := m
	for _, n := range fetchModeNames {
		if n.mode != FetchNone && n.mode != FetchClientDefault && rest.Has(n.mode) {
			parts = append(parts, n.name)
			rest &^= n.mode
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint16(rest)))
	}
	return strings.Join(parts, "|")
}

// UnmarshalYAML accepts a name, a "|" joined list of names, or a sequence.
func (m *FetchMode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var list []string
	if err := unmarshal(&list); err == nil {
		var out FetchMode
		for _, s := range list {
			v, err := ParseFetchMode(s)
			if err != nil {
				return err
			}
			out |= v
		}
		*m = out
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseFetchMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MarshalYAML writes the mode name.
func (m FetchMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// FetchProgress records which categories of a message have been retrieved.
// It is kept apart from FetchMode: a mode is a request, progress is what the
// server actually delivered.
type FetchProgress uint16

const (
	GotFlags FetchProgress = 1 << iota
	GotInternalDate
	GotSize
	GotHeaders
	GotBodyStructure
	GotGMailMessageID
	GotGMailThread
	GotGMailLabels
)

// Has reports whether every bit of c has been retrieved.
func (p FetchProgress) Has(c FetchProgress) bool {
	return c != 0 && p&c == c
}

// Wanted maps a request onto the progress categories it covers.
func (m FetchMode) Wanted() FetchProgress {
	var p FetchProgress
	for _, c := range []struct {
		mode FetchMode
		got  FetchProgress
	}{
		{FetchFlags, GotFlags},
		{FetchInternalDate, GotInternalDate},
		{FetchSize, GotSize},
		{FetchHeaders, GotHeaders},
		{FetchBodyStructure, GotBodyStructure},
		{FetchGMailMessageID, GotGMailMessageID},
		{FetchGMailThreads, GotGMailThread},
		{FetchGMailLabels, GotGMailLabels},
	} {
		if m.Has(c.mode) {
			p |= c.got
		}
	}
	return p
}

// Missing returns the categories of m that p does not have yet.
func (p FetchProgress) Missing(m FetchMode) FetchProgress {
	return m.Wanted() &^ p
}
