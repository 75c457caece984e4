package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type stubFetcher struct {
	detail JobDetail
	err    error
}

func (s stubFetcher) GetJob(context.Context, string) (JobDetail, error) {
	return s.detail, s.err
}

func runningDetail() JobDetail {
	return JobDetail{
		Job: Job{ID: "job-7", Status: "running", TotalItems: 3, SucceededCount: 1, ProgressPercent: 33.33},
		Items: []Item{
			{Position: 1, SourceName: "a.mp4", Status: "completed", RemoteID: "vid-a"},
			{Position: 2, SourceName: "b.mp4", Status: "uploading", UploadProgressPercent: 42},
			{Position: 3, SourceName: "c.mp4", Status: "pending"},
		},
	}
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestWatchModelKeepsPollingRunningJob(t *testing.T) {
	m := newWatchModel(context.Background(), stubFetcher{}, "job-7", time.Millisecond)

	model, cmd := m.Update(jobLoadedMsg{detail: runningDetail()})
	m = model.(watchModel)
	if !m.loaded || m.finished {
		t.Fatalf("expected loaded running job, got loaded=%v finished=%v", m.loaded, m.finished)
	}
	if cmd == nil {
		t.Fatal("expected a poll to be scheduled")
	}
	if _, ok := cmd().(pollMsg); !ok {
		t.Fatal("expected scheduled command to produce a poll")
	}

	view := m.View()
	for _, want := range []string{"Job job-7", "running", "1 succeeded", "a.mp4", "vid-a", "b.mp4", "42%", "c.mp4", "q to stop watching"} {
		if !strings.Contains(view, want) {
			t.Fatalf("expected %q in view:\n%s", want, view)
		}
	}
}

func TestWatchModelPollFetchesJob(t *testing.T) {
	detail := runningDetail()
	m := newWatchModel(context.Background(), stubFetcher{detail: detail}, "job-7", time.Second)

	_, cmd := m.Update(pollMsg{})
	if cmd == nil {
		t.Fatal("expected fetch command")
	}
	msg, ok := cmd().(jobLoadedMsg)
	if !ok {
		t.Fatal("expected fetch to produce jobLoadedMsg")
	}
	if msg.err != nil || msg.detail.Job.ID != "job-7" {
		t.Fatalf("unexpected fetch result %+v", msg)
	}
}

func TestWatchModelQuitsWhenJobFinishes(t *testing.T) {
	m := newWatchModel(context.Background(), stubFetcher{}, "job-7", time.Second)
	detail := runningDetail()
	detail.Job.Status = "completed"
	detail.Job.SucceededCount = 3
	detail.Job.ProgressPercent = 100

	model, cmd := m.Update(jobLoadedMsg{detail: detail})
	m = model.(watchModel)
	if !m.finished || !isQuit(cmd) {
		t.Fatalf("expected finished model to quit, finished=%v", m.finished)
	}
	if !strings.Contains(m.View(), "completed") {
		t.Fatalf("expected completed status in view:\n%s", m.View())
	}

	var out bytes.Buffer
	if err := summarize(m, &out); err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.Contains(out.String(), "job job-7 completed: 3 succeeded, 0 failed") {
		t.Fatalf("unexpected summary %q", out.String())
	}
}

func TestWatchSummaryReportsFailedJob(t *testing.T) {
	m := newWatchModel(context.Background(), stubFetcher{}, "job-7", time.Second)
	detail := runningDetail()
	detail.Job.Status = "failed"
	detail.Job.Error = "uploader unavailable"

	model, _ := m.Update(jobLoadedMsg{detail: detail})
	err := summarize(model.(watchModel), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "uploader unavailable") {
		t.Fatalf("expected failed job error, got %v", err)
	}
}

func TestWatchModelTransientErrorKeepsPolling(t *testing.T) {
	m := newWatchModel(context.Background(), stubFetcher{}, "job-7", time.Millisecond)
	model, cmd := m.Update(jobLoadedMsg{err: errors.New("connection refused")})
	m = model.(watchModel)
	if m.fatalErr != nil || m.pollErr == nil {
		t.Fatalf("expected transient poll error, got fatal=%v poll=%v", m.fatalErr, m.pollErr)
	}
	if isQuit(cmd) {
		t.Fatal("transient error should not quit")
	}
}

func TestWatchModelNotFoundIsFatal(t *testing.T) {
	m := newWatchModel(context.Background(), stubFetcher{}, "job-7", time.Second)
	model, cmd := m.Update(jobLoadedMsg{err: &APIError{Status: http.StatusNotFound, Message: "job job-7 not found"}})
	m = model.(watchModel)
	if m.fatalErr == nil || !isQuit(cmd) {
		t.Fatal("expected not found to end the watch")
	}
	if err := summarize(m, &bytes.Buffer{}); err == nil {
		t.Fatal("expected summarize to return the fatal error")
	}
	if !strings.Contains(m.View(), "job job-7 not found") {
		t.Fatalf("expected error in view:\n%s", m.View())
	}
}

func TestWatchModelQuitKey(t *testing.T) {
	m := newWatchModel(context.Background(), stubFetcher{}, "job-7", time.Second)
	model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if !model.(watchModel).quit || !isQuit(cmd) {
		t.Fatal("expected q to quit")
	}
	if err := summarize(model.(watchModel), &bytes.Buffer{}); err != nil {
		t.Fatalf("leaving early should not be an error: %v", err)
	}
}

func TestClientAPIErrorFallsBackToBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL+"/", nil).ListJobs(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Message != "upstream exploded" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}
