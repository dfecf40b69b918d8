package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
)

type progressMsg struct {
	done   int
	total  int
	id     string
	failed bool
}

type progressDoneMsg struct{}

type progressModel struct {
	title  string
	bar    progress.Model
	done   int
	total  int
	failed int
	last   string
	quit   bool
}

func newProgressModel(title string) progressModel {
	return progressModel{
		title: title,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m progressModel) Init() tea.Cmd {
	return nil
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case progressMsg:
		m.done = msg.done
		m.total = msg.total
		m.last = msg.id
		if msg.failed {
			m.failed++
		}
	case progressDoneMsg:
		m.quit = true
		return m, tea.Quit
	case tea.WindowSizeMsg:
		m.bar.Width = min(40, max(10, msg.Width-40))
	}
	return m, nil
}

func (m progressModel) View() string {
	if m.quit {
		return ""
	}
	pct := 0.0
	if m.total > 0 {
		pct = float64(m.done) / float64(m.total)
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString(" ")
	b.WriteString(m.bar.ViewAs(pct))
	fmt.Fprintf(&b, " %d/%d", m.done, m.total)
	if m.failed > 0 {
		b.WriteString(" ")
		b.WriteString(errorStyle.Render(fmt.Sprintf("%d failed", m.failed)))
	}
	if m.last != "" {
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render(m.last))
	}
	return b.String() + "\n"
}

// progressView runs the bar on its own goroutine; the pipelines report into
// it from worker goroutines.
type progressView struct {
	program *tea.Program
	exited  chan struct{}
}

func startProgress(out io.Writer, title string) *progressView {
	p := tea.NewProgram(newProgressModel(title), tea.WithInput(nil), tea.WithOutput(out))
	v := &progressView{program: p, exited: make(chan struct{})}
	go func() {
		defer close(v.exited)
		_, _ = p.Run()
	}()
	return v
}

func (v *progressView) Report(done, total int, id string, failed bool) {
	v.program.Send(progressMsg{done: done, total: total, id: id, failed: failed})
}

func (v *progressView) Stop() {
	v.program.Send(progressDoneMsg{})
	<-v.exited
}
