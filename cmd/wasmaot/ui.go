package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/wippyai/wasm-aot/build"
	"github.com/wippyai/wasm-aot/errors"
)

type uiMode string

const (
	uiAuto  uiMode = "auto"
	uiTUI   uiMode = "tui"
	uiPlain uiMode = "plain"
)

func readUIMode(value string) (uiMode, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", "auto":
		return uiAuto, nil
	case "tui":
		return uiTUI, nil
	case "plain":
		return uiPlain, nil
	default:
		return "", errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("invalid --ui value %q (expected auto|tui|plain)", value))
	}
}

// useTUI reports whether the progress view should take over the terminal.
// Verbose logging interleaves with it badly, so it forces plain output in
// auto mode.
func useTUI(mode uiMode, verbose bool) bool {
	switch mode {
	case uiTUI:
		return true
	case uiPlain:
		return false
	default:
		return !verbose && term.IsTerminal(int(os.Stderr.Fd()))
	}
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	stageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB"))
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

var stageOrder = []build.Stage{build.StageResolve, build.StageCompile, build.StageEmit, build.StageLink}

type stageRow struct {
	status build.Status
	ms     float64
}

type progressModel struct {
	title   string
	events  <-chan build.Event
	spinner spinner.Model
	bar     progress.Model
	stages  map[build.Stage]stageRow
	linking bool
	done    int
	total   int
	width   int
	finish  bool
	cancel  context.CancelFunc
}

type eventMsg build.Event
type closedMsg struct{}

func newProgressModel(title string, linking bool, events <-chan build.Event, cancel context.CancelFunc) *progressModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = stageStyle
	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = 60
	return &progressModel{
		title:   title,
		events:  events,
		spinner: sp,
		bar:     bar,
		stages:  map[build.Stage]stageRow{},
		linking: linking,
		width:   80,
		cancel:  cancel,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listen())
}

func (m *progressModel) listen() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		return m, tea.Batch(m.apply(build.Event(msg)), m.listen())
	case closedMsg:
		m.finish = true
		return m, tea.Quit
	case tea.KeyMsg:
		// ctrl+c arrives as a key in raw mode. The view keeps running until
		// the cancelled build closes the event channel.
		if msg.String() == "ctrl+c" {
			m.cancel()
		}
		return m, nil
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.bar.Width = min(msg.Width-4, 80)
		}
		return m, nil
	case spinner.TickMsg:
		if m.finish {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) apply(ev build.Event) tea.Cmd {
	row := m.stages[ev.Stage]
	switch ev.Status {
	case build.StatusFunction:
		m.done, m.total = ev.Done, ev.Total
		if m.total > 0 {
			return m.bar.SetPercent(float64(m.done) / float64(m.total))
		}
		return nil
	case build.StatusDone, build.StatusError:
		row.ms = toMillis(ev.Elapsed)
	}
	row.status = ev.Status
	m.stages[ev.Stage] = row
	if ev.Stage == build.StageCompile && ev.Status == build.StatusDone {
		return m.bar.SetPercent(1)
	}
	return nil
}

func (m *progressModel) View() string {
	var b strings.Builder
	title := truncate(m.title, m.width-4)
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")
	for _, s := range stageOrder {
		if s == build.StageLink && !m.linking {
			continue
		}
		row, seen := m.stages[s]
		var mark, text string
		switch {
		case !seen:
			mark, text = " ", helpStyle.Render(string(s))
		case row.status == build.StatusDone:
			mark, text = doneStyle.Render("✓"), fmt.Sprintf("%s %s", s, helpStyle.Render(fmt.Sprintf("%.1f ms", row.ms)))
		case row.status == build.StatusError:
			mark, text = errorStyle.Render("✗"), errorStyle.Render(string(s))
		default:
			mark, text = m.spinner.View(), stageStyle.Render(string(s))
		}
		fmt.Fprintf(&b, "  %s %s\n", mark, text)
	}
	b.WriteString("\n  ")
	if m.finish {
		b.WriteString(m.bar.ViewAs(float64(m.done) / float64(max(m.total, 1))))
	} else {
		b.WriteString(m.bar.View())
	}
	if m.total > 0 {
		fmt.Fprintf(&b, " %s", helpStyle.Render(fmt.Sprintf("%d/%d functions", m.done, m.total)))
	}
	b.WriteString("\n")
	return b.String()
}

func truncate(s string, width int) string {
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "...")
}

type buildOutcome struct {
	res *build.Result
	err error
}

// runWithTUI runs the build while a progress view renders its events.
func runWithTUI(ctx context.Context, title string, req build.Request) (*build.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := make(chan build.Event, 256)
	outcome := make(chan buildOutcome, 1)
	go func() {
		req.Progress = build.ChannelSink{Ch: events}
		res, err := build.Build(ctx, req)
		outcome <- buildOutcome{res: res, err: err}
		close(events)
	}()

	model := newProgressModel(title, req.Mode == build.ModeExecutable, events, cancel)
	program := tea.NewProgram(model, tea.WithOutput(os.Stderr))
	_, uiErr := program.Run()
	if uiErr != nil {
		// The program stops reading once it fails; keep the build from
		// blocking on a full channel.
		go func() {
			for range events {
			}
		}()
	}
	out := <-outcome
	if out.err == nil && uiErr != nil && ctx.Err() == nil {
		return out.res, fmt.Errorf("progress view: %w", uiErr)
	}
	return out.res, out.err
}
