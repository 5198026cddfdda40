// Package imapclient is an IMAP4rev1 client built around folders and
// messages that are populated on demand.
//
// A Client is not safe for overlapping calls from several goroutines. The
// one exception is the idle event goroutine, which runs new-message
// handlers while the caller keeps using the client.
package imapclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pepperpark/goimap/internal/auth"
	"github.com/pepperpark/goimap/internal/capability"
	"github.com/pepperpark/goimap/internal/response"
	"github.com/pepperpark/goimap/internal/wire"
)

// Client talks to a single IMAP server.
type Client struct {
	log  zerolog.Logger
	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	mu            sync.Mutex
	host          string
	port          int
	tlsConfig     *tls.Config
	behavior      Behavior
	session       *wire.Session
	caps          *capability.Set
	authenticated bool
	selected      *Folder
	delimiter     string
	root          *FolderCollection
	registry      map[string]*Folder
	idleHandlers  []func(IdleEvent)
}

// Option configures a Client.
type Option func(*Client)

// WithHost sets the server host.
func WithHost(host string) Option {
	return func(c *Client) { c.host = host }
}

// WithPort sets the server port. Zero picks 993 with TLS and 143 without.
func WithPort(port int) Option {
	return func(c *Client) { c.port = port }
}

// WithTLS connects with implicit TLS. A nil config uses defaults for the host.
func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) {
		if cfg == nil {
			cfg = &tls.Config{}
		}
		c.tlsConfig = cfg
	}
}

// WithLogger sets the logger for the client and its session.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithBehavior replaces the default behavior.
func WithBehavior(b Behavior) Option {
	return func(c *Client) { c.behavior = b }
}

// WithDialer replaces the network dialer.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.dial = dial }
}

// New returns an unconnected client.
func New(opts ...Option) *Client {
	c := &Client{
		log:      zerolog.Nop(),
		behavior: DefaultBehavior(),
		caps:     &capability.Set{},
		registry: make(map[string]*Folder),
	}
	for _, o := range opts {
		o(c)
	}
	if c.dial == nil {
		var d net.Dialer
		c.dial = d.DialContext
	}
	return c
}

// SetHost changes the host. It fails while connected.
func (c *Client) SetHost(host string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectedLocked() {
		return fmt.Errorf("%w: cannot change host while connected", ErrInvalidState)
	}
	c.host = host
	return nil
}

// SetPort changes the port. It fails while connected.
func (c *Client) SetPort(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectedLocked() {
		return fmt.Errorf("%w: cannot change port while connected", ErrInvalidState)
	}
	c.port = port
	return nil
}

// SetTLS changes the TLS config; nil means plain text. It fails while
// connected.
func (c *Client) SetTLS(cfg *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectedLocked() {
		return fmt.Errorf("%w: cannot change tls while connected", ErrInvalidState)
	}
	c.tlsConfig = cfg
	return nil
}

func (c *Client) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// Port returns the configured port, resolving zero to the default.
func (c *Client) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.portLocked()
}

func (c *Client) portLocked() int {
	switch {
	case c.port != 0:
		return c.port
	case c.tlsConfig != nil:
		return 993
	}
	return 143
}

// Behavior returns a copy of the current settings.
func (c *Client) Behavior() Behavior {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.behavior
}

// SetBehavior replaces the settings. They apply from the next operation on;
// a running IDLE picks up a new NOOP timeout at its next check.
func (c *Client) SetBehavior(b Behavior) error {
	if err := b.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.behavior = b
	c.mu.Unlock()
	return nil
}

// Capabilities returns what the server announced.
func (c *Client) Capabilities() *capability.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedLocked()
}

func (c *Client) connectedLocked() bool {
	if c.session == nil {
		return false
	}
	select {
	case <-c.session.Done():
		return false
	default:
		return true
	}
}

func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated && c.connectedLocked()
}

// Delimiter returns the hierarchy delimiter, or "" before the first listing.
func (c *Client) Delimiter() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delimiter
}

// SelectedFolder returns the folder currently selected on the server.
func (c *Client) SelectedFolder() *Folder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Connect dials the server, reads the greeting and queries capabilities.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connectedLocked() {
		c.mu.Unlock()
		return fmt.Errorf("%w: already connected", ErrInvalidState)
	}
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.portLocked()))
	cfg := c.tlsConfig
	host := c.host
	c.mu.Unlock()

	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if cfg != nil {
		cfg = cfg.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		conn = tc
	}
	return c.ConnectConn(ctx, conn)
}

// ConnectConn runs the connection setup on an already open stream.
func (c *Client) ConnectConn(ctx context.Context, conn net.Conn) error {
	s := wire.New(conn, wire.WithLogger(c.log))
	greeting, err := s.Greeting(ctx)
	if err != nil {
		s.Close()
		return fmt.Errorf("read greeting: %w", err)
	}
	ev := response.Parse(greeting)
	if ev.Kind != response.Status || (ev.Status != response.OK && ev.Status != response.PREAUTH) {
		s.Close()
		return fmt.Errorf("%w: unexpected greeting %q", ErrOperationFailed, greeting)
	}

	c.mu.Lock()
	c.session = s
	c.caps = &capability.Set{}
	c.authenticated = ev.Status == response.PREAUTH
	c.selected = nil
	if ev.Code == "CAPABILITY" {
		c.caps.Update("[CAPABILITY " + ev.CodeArgs + "]")
	}
	c.mu.Unlock()
	c.log.Debug().Str("greeting", greeting).Msg("connected")

	if _, err := c.RefreshCapabilities(ctx); err != nil {
		return err
	}
	return nil
}

// RefreshCapabilities issues CAPABILITY and merges the answer into the
// cached set, so names learned from the greeting are kept.
func (c *Client) RefreshCapabilities(ctx context.Context) (*capability.Set, error) {
	var data []string
	ok, err := c.SendAndReceive(ctx, "CAPABILITY", &data, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: CAPABILITY refused", ErrOperationFailed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range data {
		if response.Parse(l).Kind == response.Capability {
			c.caps.Update(l)
		}
	}
	return c.caps, nil
}

// SendAndReceive runs one exchange on the session. See wire.Session.
func (c *Client) SendAndReceive(ctx context.Context, command string, data *[]string, p wire.CommandProcessor, opts ...wire.ExchangeOption) (bool, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return false, ErrNotConnected
	}
	return s.SendAndReceive(ctx, command, data, p, opts...)
}

// Login authenticates with a. Capabilities announced in the response are
// merged into the cached set.
func (c *Client) Login(ctx context.Context, a auth.Authenticator) (bool, error) {
	if !c.IsConnected() {
		return false, ErrNotConnected
	}
	cmd, err := a.Command(c.Capabilities())
	if err != nil {
		return false, err
	}
	var data []string
	ok, err := c.SendAndReceive(ctx, cmd, &data, a, wire.KeepData())
	if err != nil {
		return false, err
	}
	if !ok {
		if aerr := auth.Err(a); aerr != nil {
			return false, fmt.Errorf("authenticate: %w", aerr)
		}
		return false, nil
	}

	c.mu.Lock()
	for _, l := range data {
		ev := response.Parse(l)
		switch {
		case ev.Kind == response.Capability:
			c.caps.Update(l)
		case ev.Code == "CAPABILITY":
			c.caps.Update("[CAPABILITY " + ev.CodeArgs + "]")
		}
	}
	c.authenticated = true
	if strings.EqualFold(c.host, "imap.qq.com") {
		c.behavior.SearchAllNotSupported = true
		c.behavior.LazyFolderBrowsingNotSupported = true
	}
	c.mu.Unlock()
	c.log.Info().Str("host", c.Host()).Msg("logged in")
	return true, nil
}

// Logout ends the session and forgets the folder tree.
func (c *Client) Logout(ctx context.Context) (bool, error) {
	if !c.IsAuthenticated() {
		return false, ErrInvalidState
	}
	if err := c.StopIdling(ctx); err != nil {
		c.log.Debug().Err(err).Msg("stop idle before logout")
	}
	ok, err := c.SendAndReceive(ctx, "LOGOUT", nil, nil)
	if err != nil {
		return false, err
	}
	if ok {
		c.reset()
	}
	return ok, nil
}

// Disconnect closes the connection without logging out.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	if s.IdleState() != wire.IdleOff {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectGrace)
		_ = s.StopIdling(ctx)
		cancel()
	}
	err := s.Close()
	c.reset()
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	return err
}

func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = false
	c.selected = nil
	c.delimiter = ""
	c.root = nil
	c.registry = make(map[string]*Folder)
}

// setDelimiter records the first non-empty delimiter the server reports.
func (c *Client) setDelimiter(d string) {
	if d == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delimiter == "" {
		c.delimiter = d
	}
}

func (c *Client) setSelected(f *Folder) {
	c.mu.Lock()
	c.selected = f
	c.mu.Unlock()
}

// Folders returns the top-level folders, listing them on first use.
func (c *Client) Folders(ctx context.Context) (*FolderCollection, error) {
	c.mu.Lock()
	root := c.root
	c.mu.Unlock()
	if root != nil {
		return root, nil
	}
	root, err := c.GetFolders(ctx, "", nil, true)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.root = root
	c.mu.Unlock()
	return root, nil
}

// FolderByPath finds a known folder by its server path.
func (c *Client) FolderByPath(path string) *Folder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry[path]
}

// GetFolders lists the folders below path. parent is the folder path
// belongs to, nil at the top level. Deeper levels are listed at once for
// the first level only, unless the behavior asks for the full tree.
func (c *Client) GetFolders(ctx context.Context, path string, parent *Folder, isFirstLevel bool) (*FolderCollection, error) {
	b := c.Behavior()
	caps := c.Capabilities()

	wildcard := "%"
	if b.BrowseMode == BrowseFull || (parent != nil && b.LazyFolderBrowsingNotSupported) {
		wildcard = "*"
	}
	verb := "LIST"
	if caps.XList && !caps.XGMExt1 {
		verb = "XLIST"
	}

	var data []string
	ok, err := c.SendAndReceive(ctx, verb+" "+quote(path)+" "+quote(wildcard), &data, nil)
	if err != nil {
		return nil, err
	}
	out := newFolderCollection(c, parent)
	if !ok {
		return out, nil
	}

	var listed []*Folder
	for _, l := range data {
		ev := response.Parse(l)
		if ev.Kind != response.List {
			continue
		}
		c.setDelimiter(ev.Delimiter)
		f := c.bind(newFolder(c, ev.Mailbox, ev.Attributes))
		delim := c.Delimiter()

		owner := parent
		if wildcard == "*" {
			if pp := parentPath(f.Path(), delim); pp != "" && (parent == nil || pp != parent.Path()) {
				owner = c.FolderByPath(pp)
				if owner == nil {
					// The parent is not listed itself, e.g. a \Noselect level.
					owner = parent
				}
			}
		}
		f.setParent(owner)
		if owner == parent {
			out.addLocal(f)
		} else {
			owner.subFolderSlot().addLocal(f)
		}
		listed = append(listed, f)
	}

	for _, f := range listed {
		if b.ExamineFolders && f.Selectable() {
			if _, err := f.Examine(ctx); err != nil {
				return nil, err
			}
		}
		if wildcard == "%" && isFirstLevel && f.HasChildren() {
			subs, err := c.GetFolders(ctx, f.Path()+c.Delimiter(), f, false)
			if err != nil {
				return nil, err
			}
			f.setSubFolders(subs)
		}
	}
	return out, nil
}

// bind registers f under its path or, if the path is already known,
// refreshes and returns the known folder.
func (c *Client) bind(f *Folder) *Folder {
	c.mu.Lock()
	defer c.mu.Unlock()
	if known, ok := c.registry[f.path]; ok {
		known.refreshAttributes(f.attributes)
		return known
	}
	c.registry[f.path] = f
	return f
}

func (c *Client) unbind(f *Folder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registry[f.path] == f {
		delete(c.registry, f.path)
	}
	if c.selected == f {
		c.selected = nil
	}
}

func (c *Client) rebind(f *Folder, oldPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registry[oldPath] == f {
		delete(c.registry, oldPath)
	}
	c.registry[f.path] = f
}

func (c *Client) rootCollection() *FolderCollection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root == nil {
		c.root = newFolderCollection(c, nil)
	}
	return c.root
}
