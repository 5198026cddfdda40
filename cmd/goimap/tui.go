package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"

	"github.com/pepperpark/goimap/internal/syncer"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

type tickMsg time.Time
type errsMsg []error
type countMsg int

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// rate tracks throughput as an exponential moving average with a half-life
// of three seconds.
type rate struct {
	ema      float64 // msgs/sec
	lastDone int
	lastAt   time.Time
	started  time.Time
}

func newRate() rate {
	now := time.Now()
	return rate{lastAt: now, started: now}
}

func (r *rate) update(done int) {
	now := time.Now()
	dt := now.Sub(r.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(done-r.lastDone) / dt
	alpha := 1 - math.Exp(-math.Ln2*dt/3.0)
	if r.ema == 0 {
		r.ema = inst
	} else {
		r.ema = alpha*inst + (1-alpha)*r.ema
	}
	r.lastDone = done
	r.lastAt = now
}

func (r *rate) eta(done, total int) string {
	if total == 0 {
		return "ETA --"
	}
	remaining := total - done
	if remaining <= 0 {
		return "ETA 0s"
	}
	// Prefer smoothed rate if available; fallback to average rate
	v := r.ema
	if v <= 0.01 {
		elapsed := time.Since(r.started)
		if elapsed <= 0 {
			return "ETA --"
		}
		v = float64(done) / elapsed.Seconds()
	}
	if v <= 0.01 {
		return "ETA --"
	}
	secs := float64(remaining) / v
	if secs < 1 {
		return "ETA <1s"
	}
	return "ETA " + formatDuration(time.Duration(secs)*time.Second)
}

func formatDuration(d time.Duration) string {
	switch {
	case d > 99*time.Hour:
		return ">99h"
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", int(d/time.Hour), int((d%time.Hour)/time.Minute))
	case d >= time.Minute:
		return fmt.Sprintf("%dm%ds", int(d/time.Minute), int((d%time.Minute)/time.Second))
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

// bar renders the shared progress header of all long running commands.
func bar(s spinner.Model, b progress.Model, label string, done, total int, r *rate) string {
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total)
	}
	out := titleStyle.Render("goimap") + "\n\nPress q to quit\n\n"
	out += fmt.Sprintf("%s %s %d/%d   %s\n", s.View(), label, done, total, r.eta(done, total))
	return out + b.ViewAs(pct) + "\n\n"
}

func renderErrs(errs []error) string {
	s := errStyle.Render("Errors:\n")
	for _, e := range errs {
		s += " - " + e.Error() + "\n"
	}
	return s
}

func newSpinner() spinner.Model {
	s := spinner.New()
	s.Spinner = spinner.Line
	return s
}

type folderProgress struct {
	total int
	done  int
}

// exportModel follows the events of an Exporter.
type exportModel struct {
	events   <-chan syncer.Event
	prog     map[string]folderProgress
	current  string
	totalAll int
	doneAll  int
	spinner  spinner.Model
	bar      progress.Model
	rate     rate
	errs     []error
	finished bool
}

func newExportModel(events <-chan syncer.Event) *exportModel {
	return &exportModel{
		events:  events,
		prog:    map[string]folderProgress{},
		spinner: newSpinner(),
		bar:     progress.New(progress.WithDefaultGradient()),
		rate:    newRate(),
	}
}

func (m *exportModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func (m *exportModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case errsMsg:
		m.drain()
		m.errs = []error(msg)
		m.finished = true
		if len(m.errs) == 0 {
			m.doneAll = m.totalAll
		}
		return m, tea.Quit
	case tickMsg:
		m.drain()
		m.rate.update(m.doneAll)
		return m, tea.Batch(m.spinner.Tick, tick())
	}
	m.drain()
	return m, nil
}

func (m *exportModel) drain() {
	for {
		select {
		case ev, ok := <-m.events:
			if !ok {
				return
			}
			switch ev.Type {
			case syncer.EventFolderStart:
				m.current = ev.Folder
			case syncer.EventFolderProgress:
				m.prog[ev.Folder] = folderProgress{total: ev.Total, done: ev.Done}
				m.recomputeTotals()
			}
		default:
			return
		}
	}
}

func (m *exportModel) recomputeTotals() {
	total, done := 0, 0
	for _, p := range m.prog {
		total += p.total
		done += p.done
	}
	m.totalAll, m.doneAll = total, done
}

func (m *exportModel) View() string {
	s := bar(m.spinner, m.bar, "Overall", m.doneAll, m.totalAll, &m.rate)
	switch {
	case m.finished && len(m.errs) > 0:
		s += renderErrs(m.errs)
	case m.finished && m.totalAll == 0:
		hint := "No new messages detected. Resume state may be active.\nUse --ignore-state or a fresh --state-file to export everything again."
		s += hintStyle.Render(hint) + "\n"
	case !m.finished && m.current != "":
		s += hintStyle.Render(m.current) + "\n"
	}
	return s
}

// runTUI runs the export behind a progress UI. Quitting the UI cancels the
// export and waits for it to wind down.
func runTUI(ctx context.Context, worker *syncer.Exporter, folders []string) []error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newExportModel(worker.Events())
	p := tea.NewProgram(m)
	done := make(chan []error, 1)
	go func() {
		errs := worker.ExportAll(ctx, folders)
		done <- errs
		p.Send(errsMsg(errs))
	}()
	if _, err := p.Run(); err != nil {
		fmt.Println("TUI failed:", err)
	}
	cancel()
	errs := <-done
	// Events are closed by now; nobody reads them any more.
	for range worker.Events() {
	}
	return errs
}

// countModel is a progress bar for operations that only know a total.
type countModel struct {
	title    string
	total    int
	done     int
	spinner  spinner.Model
	bar      progress.Model
	rate     rate
	errs     []error
	finished bool
}

func newCountModel(title string, total int) *countModel {
	return &countModel{
		title:   title,
		total:   total,
		spinner: newSpinner(),
		bar:     progress.New(progress.WithDefaultGradient()),
		rate:    newRate(),
	}
}

func (m *countModel) Init() tea.Cmd { return tea.Batch(m.spinner.Tick, tick()) }

func (m *countModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case errsMsg:
		m.errs = []error(msg)
		m.finished = true
		if len(m.errs) == 0 {
			m.done = m.total
		}
		return m, tea.Quit
	case countMsg:
		m.done += int(msg)
		return m, m.spinner.Tick
	case tickMsg:
		m.rate.update(m.done)
		return m, tea.Batch(m.spinner.Tick, tick())
	}
	return m, nil
}

func (m *countModel) View() string {
	s := bar(m.spinner, m.bar, m.title, m.done, m.total, &m.rate)
	if m.finished && len(m.errs) > 0 {
		s += renderErrs(m.errs)
	}
	return s
}

// runCountTUI displays a progress bar fed by progress until errc delivers
// the outcome. The caller closes progress before sending on errc. Quitting
// calls stop and still waits for the outcome.
func runCountTUI(total int, title string, progress <-chan int, errc <-chan error, stop func()) []error {
	m := newCountModel(title, total)
	p := tea.NewProgram(m)
	result := make(chan error, 1)
	go func() {
		for inc := range progress {
			p.Send(countMsg(inc))
		}
		err := <-errc
		result <- err
		if err != nil {
			p.Send(errsMsg{err})
		} else {
			p.Send(errsMsg{})
		}
	}()
	if _, err := p.Run(); err != nil {
		fmt.Println("TUI failed:", err)
	}
	if !m.finished {
		stop()
	}
	if err := <-result; err != nil {
		return []error{err}
	}
	return nil
}

type confirmModel struct {
	title   string
	summary string
	choice  *bool
}

func newConfirmModel(title, summary string) *confirmModel {
	return &confirmModel{title: title, summary: summary}
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "y", "enter":
			v := true
			m.choice = &v
			return m, tea.Quit
		case "n", "q", "esc", "ctrl+c":
			v := false
			m.choice = &v
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	title := titleStyle.Render(m.title)
	desc := hintStyle.Render("Press y to confirm, n to cancel")
	box := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2).Width(78).Render(m.summary)
	return fmt.Sprintf("%s\n\n%s\n\n%s\n", title, box, desc)
}

// runConfirmTUI asks for a yes/no answer and reports whether it was yes.
func runConfirmTUI(title, summary string) (bool, error) {
	m := newConfirmModel(title, summary)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		return false, err
	}
	if m.choice == nil {
		return false, nil
	}
	return *m.choice, nil
}
