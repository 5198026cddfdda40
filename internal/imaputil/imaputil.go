package imaputil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pepperpark/goimap/internal/auth"
	"github.com/pepperpark/goimap/internal/config"
	"github.com/pepperpark/goimap/internal/imapclient"
)

// DebugEnv turns on wire tracing when set to 1.
const DebugEnv = "GOIMAP_IMAP_DEBUG"

// SEARCH dates must not be space padded.
const searchDateLayout = "2-Jan-2006"

// Authenticator picks XOAUTH2 when an oauth provider is configured and a
// password login otherwise.
func Authenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	if cfg.OAuth.Enabled() {
		ts, err := auth.TokenSource(ctx, cfg.OAuth.Provider, cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.RefreshToken)
		if err != nil {
			return nil, err
		}
		return auth.SASL(auth.XOAuth2(cfg.User, ts)), nil
	}
	if cfg.User == "" || cfg.Password == "" {
		return nil, fmt.Errorf("missing credentials: user and password are required")
	}
	return auth.Login(cfg.User, cfg.Password), nil
}

// Dial connects to the configured server without logging in.
func Dial(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*imapclient.Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	if os.Getenv(DebugEnv) == "1" {
		log = log.Level(zerolog.TraceLevel)
	}
	opts := []imapclient.Option{
		imapclient.WithHost(cfg.Host),
		imapclient.WithPort(cfg.Port),
		imapclient.WithLogger(log),
		imapclient.WithBehavior(cfg.Behavior),
	}
	if cfg.TLS {
		opts = append(opts, imapclient.WithTLS(&tls.Config{InsecureSkipVerify: cfg.Insecure}))
	}
	c := imapclient.New(opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// DialAndLogin connects and logs into an IMAP server.
func DialAndLogin(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*imapclient.Client, error) {
	a, err := Authenticator(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c, err := Dial(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := Login(ctx, c, a); err != nil {
		c.Disconnect()
		return nil, err
	}
	return c, nil
}

// Login authenticates unless the greeting already did.
func Login(ctx context.Context, c *imapclient.Client, a auth.Authenticator) error {
	if c.IsAuthenticated() {
		return nil
	}
	ok, err := c.Login(ctx, a)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !ok {
		return fmt.Errorf("login: rejected by server")
	}
	return nil
}

// ListFolders walks the whole folder tree depth first.
func ListFolders(ctx context.Context, c *imapclient.Client) ([]*imapclient.Folder, error) {
	root, err := c.Folders(ctx)
	if err != nil {
		return nil, err
	}
	var out []*imapclient.Folder
	var walk func(fc *imapclient.FolderCollection) error
	walk = func(fc *imapclient.FolderCollection) error {
		for _, f := range fc.All() {
			out = append(out, f)
			if !f.HasChildren() {
				continue
			}
			subs, err := f.SubFolders(ctx)
			if err != nil {
				return fmt.Errorf("list %s: %w", f.DisplayPath(), err)
			}
			if err := walk(subs); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

// Filter narrows a folder listing by display path.
type Filter struct {
	Include *regexp.Regexp
	Exclude *regexp.Regexp
	Trash   bool
	Junk    bool
	Drafts  bool
	Sent    bool
}

// SkipSpecial skips every special folder kind.
func (fl *Filter) SkipSpecial() {
	fl.Trash, fl.Junk, fl.Drafts, fl.Sent = true, true, true, true
}

// Special folders are recognised by their special-use attribute or, on
// servers without one, by common names.
var specialKinds = []struct {
	attr string
	name *regexp.Regexp
	skip func(*Filter) bool
}{
	{`\Trash`, regexp.MustCompile(`(?i)^(Trash|Gelöscht.*|Deleted Items|Papierkorb)$`), func(fl *Filter) bool { return fl.Trash }},
	{`\Junk`, regexp.MustCompile(`(?i)^(Junk|Spam|Bulk Mail|Unerw.*)$`), func(fl *Filter) bool { return fl.Junk }},
	{`\Drafts`, regexp.MustCompile(`(?i)^(Drafts|Entwürfe)$`), func(fl *Filter) bool { return fl.Drafts }},
	{`\Sent`, regexp.MustCompile(`(?i)^(Sent( Items)?|Gesendet.*)$`), func(fl *Filter) bool { return fl.Sent }},
}

// Apply returns the selectable folders that pass the filter.
func (fl Filter) Apply(folders []*imapclient.Folder) []*imapclient.Folder {
	out := make([]*imapclient.Folder, 0, len(folders))
	for _, f := range folders {
		if !f.Selectable() {
			continue
		}
		name := f.DisplayPath()
		if fl.Include != nil && !fl.Include.MatchString(name) {
			continue
		}
		if fl.Exclude != nil && fl.Exclude.MatchString(name) {
			continue
		}
		if fl.special(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (fl Filter) special(f *imapclient.Folder) bool {
	for _, k := range specialKinds {
		if !k.skip(&fl) {
			continue
		}
		if f.Flags().Contains(k.attr) || k.name.MatchString(f.Name()) {
			return true
		}
	}
	return false
}

// ErrFolderNotFound is returned by FindFolder.
var ErrFolderNotFound = errors.New("folder not found")

// FindFolder returns the folder at the display path. path uses the
// server's hierarchy delimiter.
func FindFolder(ctx context.Context, c *imapclient.Client, path string) (*imapclient.Folder, error) {
	f, _, rest, err := walk(ctx, c, path)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, path)
	}
	return f, nil
}

// EnsureFolder is FindFolder creating missing levels.
func EnsureFolder(ctx context.Context, c *imapclient.Client, path string) (*imapclient.Folder, error) {
	f, coll, rest, err := walk(ctx, c, path)
	if err != nil {
		return nil, err
	}
	for i, seg := range rest {
		if i > 0 {
			if coll, err = f.SubFolders(ctx); err != nil {
				return nil, err
			}
		}
		if f, err = coll.Add(ctx, seg); err != nil {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}
	}
	return f, nil
}

// walk follows path as far as it exists. It returns the deepest folder
// found, the collection the next segment belongs in and the missing
// segments.
func walk(ctx context.Context, c *imapclient.Client, path string) (*imapclient.Folder, *imapclient.FolderCollection, []string, error) {
	coll, err := c.Folders(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	segments := []string{path}
	if d := c.Delimiter(); d != "" {
		segments = strings.Split(path, d)
	}
	var f *imapclient.Folder
	for i, seg := range segments {
		next := coll.Get(seg)
		if next == nil {
			return f, coll, segments[i:], nil
		}
		f = next
		if i < len(segments)-1 {
			if coll, err = f.SubFolders(ctx); err != nil {
				return nil, nil, nil, err
			}
		}
	}
	return f, coll, nil, nil
}

// SearchUIDsSince returns UIDs after minUID whose internal date is on or
// after since. Zero values disable either bound.
func SearchUIDsSince(ctx context.Context, f *imapclient.Folder, since time.Time, minUID uint32) ([]uint32, error) {
	var criteria []string
	if minUID > 0 {
		criteria = append(criteria, "UID "+strconv.FormatUint(uint64(minUID)+1, 10)+":*")
	}
	if !since.IsZero() {
		criteria = append(criteria, "SINCE "+since.Format(searchDateLayout))
	}
	query := "ALL"
	if len(criteria) > 0 {
		query = strings.Join(criteria, " ")
	}
	uids, err := f.SearchUIDs(ctx, query, -1)
	if err != nil {
		return nil, err
	}
	// "n:*" always matches the last message, even below n.
	out := uids[:0]
	for _, uid := range uids {
		if uid > minUID {
			out = append(out, uid)
		}
	}
	return out, nil
}
