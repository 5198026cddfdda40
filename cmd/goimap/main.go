package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pepperpark/goimap/internal/config"
	"github.com/pepperpark/goimap/internal/imapclient"
	"github.com/pepperpark/goimap/internal/imaputil"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds the global flags and what is derived from them.
type app struct {
	configPath string
	host       string
	port       int
	user       string
	pass       string
	passPrompt bool
	tls        bool
	insecure   bool

	oauthProvider     string
	oauthClientID     string
	oauthClientSecret string
	oauthRefreshToken string

	debug   bool
	verbose bool

	cfg *config.Config
	log zerolog.Logger
}

type ctxKey struct{}

func appFrom(cmd *cobra.Command) *app {
	return cmd.Context().Value(ctxKey{}).(*app)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "goimap",
		Short:         "goimap - IMAP folders, export and watch",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			// default to help
			return cmd.Help()
		},
	}

	var showVersion bool
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	pf.StringVar(&a.configPath, "config", "", "YAML configuration file")
	pf.StringVar(&a.host, "host", "", "IMAP host")
	pf.IntVar(&a.port, "port", 0, "IMAP port (default 993 with TLS, 143 without)")
	pf.StringVar(&a.user, "user", "", "IMAP username")
	pf.StringVar(&a.pass, "pass", "", "IMAP password (or set "+config.PasswordEnv+")")
	pf.BoolVar(&a.passPrompt, "pass-prompt", false, "Prompt for the IMAP password (no echo)")
	pf.BoolVar(&a.tls, "tls", true, "Use implicit TLS")
	pf.BoolVar(&a.insecure, "insecure", false, "Skip TLS verification")
	pf.StringVar(&a.oauthProvider, "oauth-provider", "", "Log in with XOAUTH2: gmail or outlook")
	pf.StringVar(&a.oauthClientID, "oauth-client-id", "", "OAuth2 client id")
	pf.StringVar(&a.oauthClientSecret, "oauth-client-secret", "", "OAuth2 client secret")
	pf.StringVar(&a.oauthRefreshToken, "oauth-refresh-token", "", "OAuth2 refresh token")
	pf.BoolVar(&a.debug, "debug", false, "Trace the IMAP conversation")
	pf.BoolVar(&a.verbose, "verbose", false, "Enable detailed logs")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Printf("goimap %s", version)
			if commit != "" {
				fmt.Printf(" (%s)", commit)
			}
			if date != "" {
				fmt.Printf(" built %s", date)
			}
			fmt.Println()
			os.Exit(0)
		}
		a.log = newLogger(a.debug, a.verbose)
		if cmd == rootCmd {
			return nil
		}
		if err := a.load(cmd); err != nil {
			return err
		}
		cmd.SetContext(context.WithValue(cmd.Context(), ctxKey{}, a))
		return nil
	}

	rootCmd.AddCommand(
		newCapabilitiesCmd(),
		newFoldersCmd(),
		newExportCmd(),
		newAppendCmd(),
		newEmptyCmd(),
		newWatchCmd(),
	)
	return rootCmd
}

func newLogger(debug, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	switch {
	case debug:
		level = zerolog.TraceLevel
	case verbose:
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// load reads the configuration file and lays the flags given on the
// command line over it.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Host = a.host
	}
	if f.Changed("port") {
		cfg.Port = a.port
	}
	if f.Changed("user") {
		cfg.User = a.user
	}
	if f.Changed("pass") {
		cfg.Password = a.pass
	}
	if f.Changed("tls") {
		cfg.TLS = a.tls
	}
	if f.Changed("insecure") {
		cfg.Insecure = a.insecure
	}
	if f.Changed("oauth-provider") {
		cfg.OAuth.Provider = a.oauthProvider
	}
	if f.Changed("oauth-client-id") {
		cfg.OAuth.ClientID = a.oauthClientID
	}
	if f.Changed("oauth-client-secret") {
		cfg.OAuth.ClientSecret = a.oauthClientSecret
	}
	if f.Changed("oauth-refresh-token") {
		cfg.OAuth.RefreshToken = a.oauthRefreshToken
	}

	// Prompt password if requested
	if a.passPrompt && cfg.Password == "" && !cfg.OAuth.Enabled() {
		fmt.Fprint(os.Stderr, "Password: ")
		b, perr := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if perr != nil {
			return fmt.Errorf("read password: %w", perr)
		}
		cfg.Password = string(b)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// dial opens a logged-in session.
func (a *app) dial(ctx context.Context) (*imapclient.Client, error) {
	c, err := imaputil.DialAndLogin(ctx, a.cfg, a.log)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", a.cfg.Host, err)
	}
	return c, nil
}

// close logs out and drops the connection.
func (a *app) close(c *imapclient.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if c.IsAuthenticated() {
		if _, err := c.Logout(ctx); err != nil {
			a.log.Debug().Err(err).Msg("logout")
		}
	}
	c.Disconnect()
}

// interactive reports whether a TUI can be shown.
func interactive() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) && term.IsTerminal(int(os.Stdin.Fd()))
}
