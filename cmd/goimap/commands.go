package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pepperpark/goimap/internal/config"
	"github.com/pepperpark/goimap/internal/imapclient"
	"github.com/pepperpark/goimap/internal/imaputil"
	"github.com/pepperpark/goimap/internal/state"
	"github.com/pepperpark/goimap/internal/syncer"
)

func newCapabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "Show what the server announces, before and after login",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			ctx := cmd.Context()
			c, err := imaputil.Dial(ctx, a.cfg, a.log)
			if err != nil {
				return err
			}
			defer a.close(c)
			printCaps("Before login", c.Capabilities().All)

			auth, err := imaputil.Authenticator(ctx, a.cfg)
			if err != nil {
				a.log.Debug().Err(err).Msg("not logging in")
				return nil
			}
			if err := imaputil.Login(ctx, c, auth); err != nil {
				return err
			}
			printCaps("After login", c.Capabilities().All)
			return nil
		},
	}
}

func printCaps(title string, caps []string) {
	sorted := append([]string(nil), caps...)
	sort.Strings(sorted)
	fmt.Println(title + ":")
	for _, cp := range sorted {
		fmt.Println("  " + cp)
	}
}

func newFoldersCmd() *cobra.Command {
	var full, status bool
	cmd := &cobra.Command{
		Use:   "folders",
		Short: "List the folder tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			ctx := cmd.Context()
			if full {
				a.cfg.Behavior.BrowseMode = imapclient.BrowseFull
			}
			a.cfg.Behavior.ExamineFolders = false
			c, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer a.close(c)

			folders, err := imaputil.ListFolders(ctx, c)
			if err != nil {
				return fmt.Errorf("list folders: %w", err)
			}
			for _, f := range folders {
				depth := 0
				for p := f.Parent(); p != nil; p = p.Parent() {
					depth++
				}
				line := strings.Repeat("  ", depth) + f.Name()
				if attrs := f.Flags().All(); len(attrs) > 0 {
					line += "  " + strings.Join(attrs, " ")
				}
				if status && f.Selectable() {
					if ok, err := f.Status(ctx); err != nil {
						return err
					} else if ok {
						line += fmt.Sprintf("  messages=%d unseen=%d uidnext=%d", f.Exists(), f.Unseen(), f.UIDNext())
					}
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "List the whole tree with one command")
	cmd.Flags().BoolVar(&status, "status", false, "Show message counts")
	return cmd
}

// export command options
type exportOptions struct {
	out         string
	folders     []string
	include     string
	exclude     string
	since       string
	dryRun      bool
	concurrency int
	stateFile   string
	ignoreState bool
	skipSpecial bool
	skipTrash   bool
	skipJunk    bool
	skipDrafts  bool
	skipSent    bool
	mapPairs    []string
	noTUI       bool
}

func newExportCmd() *cobra.Command {
	o := &exportOptions{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export folders into mbox files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, o)
		},
	}
	cmd.Flags().StringVar(&o.out, "out", "", "Output directory")
	cmd.Flags().StringArrayVar(&o.folders, "folder", nil, "Folder to export (can be repeated; default all)")
	cmd.Flags().StringVar(&o.include, "include", "", "Regex of folders to include")
	cmd.Flags().StringVar(&o.exclude, "exclude", "", "Regex of folders to exclude")
	cmd.Flags().StringVar(&o.since, "since", "", "Only export messages with INTERNALDATE >= since (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Don't write anything, just list actions")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 2, "Number of folders exported at once, one connection each")
	cmd.Flags().StringVar(&o.stateFile, "state-file", "", "Path to resume state JSON (default from config, else goimap-state.json)")
	cmd.Flags().BoolVar(&o.ignoreState, "ignore-state", false, "Ignore resume state (start from UID 0)")
	cmd.Flags().BoolVar(&o.skipSpecial, "skip-special", false, "Skip common special folders like Trash/Junk/Drafts/Sent")
	cmd.Flags().BoolVar(&o.skipTrash, "skip-trash", false, "Skip Trash folders")
	cmd.Flags().BoolVar(&o.skipJunk, "skip-junk", false, "Skip Junk/Spam folders")
	cmd.Flags().BoolVar(&o.skipDrafts, "skip-drafts", false, "Skip Drafts folders")
	cmd.Flags().BoolVar(&o.skipSent, "skip-sent", false, "Skip Sent folders")
	cmd.Flags().StringArrayVar(&o.mapPairs, "map", nil, "Folder to file mapping folder=file (can be repeated)")
	cmd.Flags().BoolVar(&o.noTUI, "no-tui", false, "Log progress instead of showing a progress bar")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func runExport(cmd *cobra.Command, o *exportOptions) error {
	a := appFrom(cmd)
	ctx := cmd.Context()

	filter, err := o.filter()
	if err != nil {
		return err
	}
	var sinceTime time.Time
	if o.since != "" {
		sinceTime, err = time.Parse("2006-01-02", o.since)
		if err != nil {
			return fmt.Errorf("invalid --since date: %w (expected YYYY-MM-DD)", err)
		}
	}
	stateFile := stateFileFor(o.stateFile, a.cfg)
	st, err := state.Load(stateFile)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	names, err := exportTargets(ctx, a, o, filter)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No folders to process.")
		return nil
	}

	worker := syncer.NewExporter(a.dial, o.out, st, syncer.Options{
		DryRun:      o.dryRun,
		Since:       sinceTime,
		Concurrency: o.concurrency,
		Map:         parseMappings(o.mapPairs),
		IgnoreState: o.ignoreState,
		Logger:      a.log,
	})
	a.log.Debug().Int("folders", len(names)).Int("concurrency", o.concurrency).Bool("dry_run", o.dryRun).
		Str("state_file", stateFile).Bool("ignore_state", o.ignoreState).Msg("starting export")

	var errs []error
	if o.noTUI || !interactive() {
		errs = runExportPlain(ctx, a, worker, names)
	} else {
		errs = runTUI(ctx, worker, names)
	}
	if err := st.Save(stateFile); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if len(errs) > 0 {
		fmt.Println("Finished with errors:")
		for _, e := range errs {
			fmt.Println(" -", e)
		}
		return fmt.Errorf("%d folder(s) failed", len(errs))
	}
	return nil
}

func (o *exportOptions) filter() (imaputil.Filter, error) {
	var fl imaputil.Filter
	var err error
	if o.include != "" {
		if fl.Include, err = regexp.Compile(o.include); err != nil {
			return fl, fmt.Errorf("invalid --include regex: %w", err)
		}
	}
	if o.exclude != "" {
		if fl.Exclude, err = regexp.Compile(o.exclude); err != nil {
			return fl, fmt.Errorf("invalid --exclude regex: %w", err)
		}
	}
	if o.skipSpecial {
		fl.SkipSpecial()
	}
	fl.Trash = fl.Trash || o.skipTrash
	fl.Junk = fl.Junk || o.skipJunk
	fl.Drafts = fl.Drafts || o.skipDrafts
	fl.Sent = fl.Sent || o.skipSent
	return fl, nil
}

// exportTargets returns the named folders, or every folder passing the
// filter when none are named.
func exportTargets(ctx context.Context, a *app, o *exportOptions, fl imaputil.Filter) ([]string, error) {
	if len(o.folders) > 0 {
		return o.folders, nil
	}
	c, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer a.close(c)
	folders, err := imaputil.ListFolders(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	var names []string
	for _, f := range fl.Apply(folders) {
		names = append(names, f.DisplayPath())
	}
	return names, nil
}

func runExportPlain(ctx context.Context, a *app, worker *syncer.Exporter, names []string) []error {
	done := make(chan []error, 1)
	go func() { done <- worker.ExportAll(ctx, names) }()
	for ev := range worker.Events() {
		switch ev.Type {
		case syncer.EventFolderDone:
			if ev.Err != nil {
				a.log.Error().Err(ev.Err).Str("folder", ev.Folder).Msg("export failed")
			} else {
				a.log.Info().Str("folder", ev.Folder).Msg("exported")
			}
		case syncer.EventFolderProgress:
			a.log.Debug().Str("folder", ev.Folder).Int("done", ev.Done).Int("total", ev.Total).Msg("progress")
		}
	}
	return <-done
}

func stateFileFor(flag string, cfg *config.Config) string {
	switch {
	case flag != "":
		return flag
	case cfg.StateFile != "":
		return cfg.StateFile
	}
	return "goimap-state.json"
}

type appendOptions struct {
	mboxPath    string
	folder      string
	flags       []string
	dryRun      bool
	stateFile   string
	ignoreState bool
}

func newAppendCmd() *cobra.Command {
	o := &appendOptions{}
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Upload the messages of an mbox file into a folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(cmd, o)
		},
	}
	cmd.Flags().StringVar(&o.mboxPath, "mbox", "", "MBOX file to read")
	cmd.Flags().StringVar(&o.folder, "folder", "INBOX", "Destination folder, created if missing")
	cmd.Flags().StringSliceVar(&o.flags, "flags", nil, `Flags for every message, e.g. \Seen`)
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Don't actually append, just list actions")
	cmd.Flags().StringVar(&o.stateFile, "state-file", "", "Path to resume state JSON (default from config, else goimap-state.json)")
	cmd.Flags().BoolVar(&o.ignoreState, "ignore-state", false, "Start from the first message")
	_ = cmd.MarkFlagRequired("mbox")
	return cmd
}

func runAppend(cmd *cobra.Command, o *appendOptions) error {
	a := appFrom(cmd)
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	f, err := os.Open(o.mboxPath)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()
	total, err := syncer.CountMbox(f)
	if err != nil {
		return err
	}
	// reset file
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	stateFile := stateFileFor(o.stateFile, a.cfg)
	st, err := state.Load(stateFile)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	key := state.MboxKey(o.mboxPath, o.folder)
	skip := 0
	if !o.ignoreState {
		skip = st.GetMboxProgress(key)
	}

	c, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer a.close(c)
	dst, err := imaputil.EnsureFolder(ctx, c, o.folder)
	if err != nil {
		return fmt.Errorf("ensure folder: %w", err)
	}

	progress := make(chan int, 128)
	errc := make(chan error, 1)
	var handled int
	go func() {
		defer close(errc)
		defer close(progress)
		n, err := syncer.AppendMbox(ctx, f, dst, syncer.AppendOptions{
			Skip:     skip,
			Flags:    o.flags,
			DryRun:   o.dryRun,
			Progress: func(int) {
				select {
				case progress <- 1:
				default:
				}
			},
			Logger:   a.log,
		})
		handled = n
		errc <- err
	}()

	var errs []error
	if interactive() {
		errs = runCountTUI(total-skip, "Appending", progress, errc, cancel)
	} else {
		for range progress {
		}
		if err := <-errc; err != nil {
			errs = append(errs, err)
		}
	}
	if !o.dryRun {
		st.SetMboxProgress(key, handled)
		if err := st.Save(stateFile); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
	}
	return errors.Join(errs...)
}

func newEmptyCmd() *cobra.Command {
	var folder string
	var yes bool
	cmd := &cobra.Command{
		Use:   "empty",
		Short: "Delete every message in a folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			ctx := cmd.Context()
			c, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer a.close(c)
			f, err := imaputil.FindFolder(ctx, c, folder)
			if err != nil {
				return err
			}
			if ok, err := f.Status(ctx); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("status %s refused", folder)
			}
			if f.Exists() == 0 {
				fmt.Printf("%s is already empty.\n", folder)
				return nil
			}
			if !yes {
				if !interactive() {
					return fmt.Errorf("refusing to empty %s without --yes", folder)
				}
				summary := fmt.Sprintf("Folder: %s\nMessages: %d\nServer: %s\n\nAll messages will be flagged \\Deleted and expunged.", folder, f.Exists(), a.cfg.Host)
				confirmed, err := runConfirmTUI("Empty folder?", summary)
				if err != nil {
					return err
				}
				if !confirmed {
					fmt.Println("Aborted.")
					return nil
				}
			}
			ok, err := f.EmptyFolder(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("empty %s refused", folder)
			}
			fmt.Printf("%s emptied, %d message(s) left.\n", folder, f.Exists())
			return nil
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "Folder to empty")
	cmd.Flags().BoolVar(&yes, "yes", false, "Don't ask for confirmation")
	_ = cmd.MarkFlagRequired("folder")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Wait for new messages with IDLE and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			ctx := cmd.Context()
			c, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer a.close(c)
			f, err := imaputil.FindFolder(ctx, c, folder)
			if err != nil {
				return err
			}

			c.OnIdle(func(ev imapclient.IdleEvent) {
				a.log.Debug().Str("event", ev.Type.String()).Msg("idle")
			})
			f.OnNewMessages(func(ev imapclient.IdleEvent) {
				if ev.Err != nil {
					a.log.Error().Err(ev.Err).Msg("fetch new messages")
				}
				for _, m := range ev.Messages {
					from := ""
					if m.From != nil {
						from = m.From.String()
					}
					fmt.Printf("%s  %-30s  %s\n", m.InternalDate.Local().Format("2006-01-02 15:04"), from, m.Subject)
				}
			})
			if a.configPath != "" {
				go watchConfig(ctx, a, c)
			}

			ok, err := f.StartIdling(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("idle on %s refused", folder)
			}
			a.log.Info().Str("folder", f.DisplayPath()).Msg("watching, press ctrl+c to stop")
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return f.StopIdling(stopCtx)
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "INBOX", "Folder to watch")
	return cmd
}

// watchConfig applies behavior changes from the configuration file to a
// running session.
func watchConfig(ctx context.Context, a *app, c *imapclient.Client) {
	err := config.Watch(ctx, a.configPath, func(cfg *config.Config, err error) {
		if err != nil {
			a.log.Warn().Err(err).Msg("config reload")
			return
		}
		if err := c.SetBehavior(cfg.Behavior); err != nil {
			a.log.Warn().Err(err).Msg("config reload")
			return
		}
		a.log.Info().Str("fetch_mode", cfg.Behavior.FetchMode.String()).Msg("behavior reloaded")
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn().Err(err).Msg("config watch stopped")
	}
}

// parseMappings converts `folder=file` pairs into a map
func parseMappings(pairs []string) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Invalid --map value (expected folder=file): %s\n", p)
			continue
		}
		m[parts[0]] = parts[1]
	}
	return m
}
