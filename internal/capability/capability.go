// Package capability keeps track of the extensions an IMAP server advertises.
package capability

import (
	"strings"
)

const linePrefix = "* CAPABILITY "

// Set is the accumulated CAPABILITY state of one session. Updates only ever
// add names, so All never shrinks while the session lives.
type Set struct {
	All []string

	AuthenticationMechanisms []string
	CompressionMechanisms    []string
	Contexts                 []string

	Acl              bool
	Binary           bool
	Catenate         bool
	Children         bool
	CondStore        bool
	Convert          bool
	CreateSpecialUse bool
	Enable           bool
	ESearch          bool
	ESort            bool
	Filters          bool
	ID               bool
	Idle             bool
	LoginDisabled    bool
	Metadata         bool
	Namespace        bool
	Quota            bool
	SASLIR           bool
	Unselect         bool
	XGMExt1          bool
	XList            bool
	XOAuth           bool
	XOAuth2          bool
}

// Parse builds a Set from a raw capability line.
func Parse(line string) *Set {
	s := &Set{}
	s.Update(line)
	return s
}

// Update merges the tokens of a raw capability line into s. Both the untagged
// "* CAPABILITY ..." form and the "[CAPABILITY ...]" response code carried by
// OK lines are understood. Empty input is a no-op.
func (s *Set) Update(line string) {
	for _, tok := range tokens(line) {
		s.add(tok)
	}
}

// Has reports whether name was advertised. The comparison ignores case.
func (s *Set) Has(name string) bool {
	if s == nil {
		return false
	}
	for _, c := range s.All {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// SupportsAuth reports whether AUTH=mech was advertised.
func (s *Set) SupportsAuth(mech string) bool {
	if s == nil {
		return false
	}
	for _, m := range s.AuthenticationMechanisms {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

func tokens(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if i := strings.Index(line, "[CAPABILITY "); i >= 0 {
		rest := line[i+len("[CAPABILITY "):]
		if end := strings.IndexByte(rest, ']'); end >= 0 {
			rest = rest[:end]
		}
		line = rest
	} else {
		line = strings.TrimPrefix(line, linePrefix)
	}
	fields := strings.Fields(line)
	if len(fields) > 0 && strings.EqualFold(fields[0], "IMAP4rev1") {
		fields = fields[1:]
	}
	return fields
}

func (s *Set) add(tok string) {
	if !contains(s.All, tok) {
		s.All = append(s.All, tok)
	}

	upper := strings.ToUpper(tok)
	switch {
	case strings.HasPrefix(upper, "AUTH="):
		s.AuthenticationMechanisms = appendUnique(s.AuthenticationMechanisms, tok[len("AUTH="):])
	case strings.HasPrefix(upper, "COMPRESS="):
		s.CompressionMechanisms = appendUnique(s.CompressionMechanisms, tok[len("COMPRESS="):])
	case strings.HasPrefix(upper, "CONTEXT="):
		s.Contexts = appendUnique(s.Contexts, tok[len("CONTEXT="):])
	}

	switch upper {
	case "X-GM-EXT-1":
		s.XGMExt1 = true
	case "XLIST":
		s.XList = true
	case "UNSELECT":
		s.Unselect = true
	case "QUOTA":
		s.Quota = true
	case "AUTH=XOAUTH2":
		s.XOAuth2 = true
	case "AUTH=XOAUTH":
		s.XOAuth = true
	case "NAMESPACE":
		s.Namespace = true
	case "METADATA":
		s.Metadata = true
	case "LOGINDISABLED":
		s.LoginDisabled = true
	case "IDLE":
		s.Idle = true
	case "ID":
		s.ID = true
	case "FILTERS":
		s.Filters = true
	case "ESORT":
		s.ESort = true
	case "ESEARCH":
		s.ESearch = true
	case "ENABLE":
		s.Enable = true
	case "CREATE-SPECIAL-USE":
		s.CreateSpecialUse = true
	case "CONVERT":
		s.Convert = true
	case "CONDSTORE":
		s.CondStore = true
	case "CHILDREN":
		s.Children = true
	case "CATENATE":
		s.Catenate = true
	case "BINARY":
		s.Binary = true
	case "ACL":
		s.Acl = true
	case "SASL-IR":
		s.SASLIR = true
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	if v == "" || contains(list, v) {
		return list
	}
	return append(list, v)
}
