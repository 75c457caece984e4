package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"media-orchestrator/internal/models"
)

const (
	defaultWatchInterval = time.Second
	maxBarWidth          = 60
	maxWatchedItems      = 12
)

var (
	watchTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	watchActiveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
	watchPanelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type jobFetcher interface {
	GetJob(ctx context.Context, id string) (JobDetail, error)
}

type jobLoadedMsg struct {
	detail JobDetail
	err    error
}

type pollMsg struct{}

type watchModel struct {
	ctx      context.Context
	client   jobFetcher
	jobID    string
	interval time.Duration

	bar  progress.Model
	spin spinner.Model

	detail   JobDetail
	loaded   bool
	pollErr  error
	fatalErr error
	finished bool
	quit     bool
}

func newWatchModel(ctx context.Context, client jobFetcher, jobID string, interval time.Duration) watchModel {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = watchActiveStyle
	return watchModel{
		ctx:      ctx,
		client:   client,
		jobID:    jobID,
		interval: interval,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spin:     spin,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.fetch())
}

func (m watchModel) fetch() tea.Cmd {
	return func() tea.Msg {
		detail, err := m.client.GetJob(m.ctx, m.jobID)
		return jobLoadedMsg{detail: detail, err: err}
	}
}

func (m watchModel) schedulePoll() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quit = true
			return m, tea.Quit
		}
		return m, nil
	case tea.WindowSizeMsg:
		width := msg.Width - 4
		if width > maxBarWidth {
			width = maxBarWidth
		}
		if width > 10 {
			m.bar.Width = width
		}
		return m, nil
	case jobLoadedMsg:
		if msg.err != nil {
			var apiErr *APIError
			if errors.As(msg.err, &apiErr) && apiErr.Status == http.StatusNotFound {
				m.fatalErr = msg.err
				return m, tea.Quit
			}
			// Transient failures keep polling.
			m.pollErr = msg.err
			return m, m.schedulePoll()
		}
		m.detail = msg.detail
		m.loaded = true
		m.pollErr = nil
		if m.detail.Job.Finished() {
			m.finished = true
			return m, tea.Quit
		}
		return m, m.schedulePoll()
	case pollMsg:
		return m, m.fetch()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(watchTitleStyle.Render("Job " + m.jobID))
	b.WriteString("\n\n")
	if !m.loaded {
		if m.fatalErr != nil {
			b.WriteString(watchErrorStyle.Render(m.fatalErr.Error()))
			b.WriteString("\n")
			return b.String()
		}
		b.WriteString(m.spin.View() + " loading…\n")
		return b.String()
	}

	job := m.detail.Job
	b.WriteString(m.statusLine(job))
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(job.ProgressPercent / 100))
	b.WriteString("\n")
	b.WriteString(watchMutedStyle.Render(fmt.Sprintf("%d succeeded · %d failed · %d total",
		job.SucceededCount, job.FailedCount, job.TotalItems)))
	b.WriteString("\n\n")
	b.WriteString(watchPanelStyle.Render(m.itemLines()))
	b.WriteString("\n")
	if job.Error != "" {
		b.WriteString(watchErrorStyle.Render("error: " + job.Error))
		b.WriteString("\n")
	}
	if m.pollErr != nil {
		b.WriteString(watchErrorStyle.Render("poll failed: " + m.pollErr.Error()))
		b.WriteString("\n")
	}
	if !m.finished {
		b.WriteString(watchMutedStyle.Render("q to stop watching (the job keeps running)"))
		b.WriteString("\n")
	}
	return b.String()
}

func (m watchModel) statusLine(job Job) string {
	switch job.Status {
	case models.JobStatusCompleted:
		return watchOKStyle.Render("✓ completed")
	case models.JobStatusFailed:
		return watchErrorStyle.Render("✗ failed")
	default:
		return m.spin.View() + " " + watchActiveStyle.Render(job.Status)
	}
}

func (m watchModel) itemLines() string {
	items := m.detail.Items
	if len(items) == 0 {
		return watchMutedStyle.Render("no items")
	}
	lines := make([]string, 0, maxWatchedItems+1)
	for i, item := range items {
		if i == maxWatchedItems {
			lines = append(lines, watchMutedStyle.Render(fmt.Sprintf("… %d more", len(items)-maxWatchedItems)))
			break
		}
		lines = append(lines, itemLine(item))
	}
	return strings.Join(lines, "\n")
}

func itemLine(item Item) string {
	label := fmt.Sprintf("%2d. %s", item.Position, item.SourceName)
	switch item.Status {
	case models.ItemStatusCompleted:
		return watchOKStyle.Render("✓") + " " + label + watchMutedStyle.Render(" → "+item.RemoteID)
	case models.ItemStatusFailed:
		return watchErrorStyle.Render("✗") + " " + label + watchErrorStyle.Render(" "+item.Error)
	case models.ItemStatusUploading:
		return watchActiveStyle.Render("↑") + " " + label + watchActiveStyle.Render(fmt.Sprintf(" %.0f%%", item.UploadProgressPercent))
	default:
		return watchMutedStyle.Render("· " + label)
	}
}

// watchJob runs the interactive view and prints a one-line summary when it
// ends. A failed job is reported as an error.
func watchJob(ctx context.Context, client jobFetcher, jobID string, interval time.Duration, out io.Writer) error {
	program := tea.NewProgram(newWatchModel(ctx, client, jobID, interval), tea.WithContext(ctx), tea.WithOutput(out))
	final, err := program.Run()
	if err != nil {
		return fmt.Errorf("watch %s: %w", jobID, err)
	}
	model, ok := final.(watchModel)
	if !ok {
		return nil
	}
	return summarize(model, out)
}

func summarize(model watchModel, out io.Writer) error {
	if model.fatalErr != nil {
		return model.fatalErr
	}
	if !model.finished {
		return nil
	}
	job := model.detail.Job
	fmt.Fprintf(out, "job %s %s: %d succeeded, %d failed\n", job.ID, job.Status, job.SucceededCount, job.FailedCount)
	if job.Status == models.JobStatusFailed {
		if job.Error != "" {
			return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
		}
		return fmt.Errorf("job %s failed", job.ID)
	}
	return nil
}
