package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"transcript-server/internal/artifact"
	"transcript-server/internal/domain"
	"transcript-server/internal/fetch"
	"transcript-server/internal/jobs"
	"transcript-server/internal/render"
	"transcript-server/internal/transcribe"
	"transcript-server/internal/worker"
)

// fakeFetcher simulates source downloads.
type fakeFetcher struct {
	fetch func(ctx context.Context, req fetch.Request) (fetch.Result, error)
}

// Fetch delegates to injected behavior.
func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	return f.fetch(ctx, req)
}

// fakeTranscriber simulates a transcription backend.
type fakeTranscriber struct {
	transcribe func(ctx context.Context, req transcribe.Request) (transcribe.Result, error)
}

// Transcribe delegates to injected behavior.
func (f *fakeTranscriber) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	return f.transcribe(ctx, req)
}

// Name identifies the fake backend.
func (f *fakeTranscriber) Name() string {
	return "fake"
}

// syncPool runs tasks inline so tests observe the terminal state on return.
type syncPool struct {
	err error
}

// Submit runs task immediately unless err is set.
func (p *syncPool) Submit(task worker.Task) error {
	if p.err != nil {
		return p.err
	}
	task(context.Background())
	return nil
}

type harness struct {
	orch      *Orchestrator
	store     *jobs.Store
	artifacts *artifact.Store
	hook      *test.Hook
	tempDir   string
}

func newHarness(t *testing.T, fetcher fetch.Fetcher, tr transcribe.Transcriber, pool Submitter) *harness {
	t.Helper()
	root := t.TempDir()
	tempDir := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	store := jobs.NewStore(jobs.NewEventBus(1000))
	artifacts := artifact.NewStore(filepath.Join(root, "transcripts"))
	if pool == nil {
		pool = &syncPool{}
	}
	orch := New(Deps{
		Store:       store,
		Fetcher:     fetcher,
		Transcriber: tr,
		Artifacts:   artifacts,
		Pool:        pool,
		Log:         log,
	}, Config{TempDir: tempDir})
	return &harness{orch: orch, store: store, artifacts: artifacts, hook: hook, tempDir: tempDir}
}

func okFetcher(title string) *fakeFetcher {
	return &fakeFetcher{fetch: func(ctx context.Context, req fetch.Request) (fetch.Result, error) {
		path := filepath.Join(req.WorkDir, "audio.mp3")
		if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
			return fetch.Result{}, err
		}
		req.OnProgress(0.5)
		req.OnProgress(1)
		return fetch.Result{AudioPath: path, Title: title, DurationSeconds: 4}, nil
	}}
}

func okTranscriber() *fakeTranscriber {
	return &fakeTranscriber{transcribe: func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		req.OnProgress(0.25)
		req.OnProgress(1)
		return transcribe.Result{
			Segments: []domain.Segment{
				{Start: 0, End: 1.5, Text: " Hello there "},
				{Start: 1.5, End: 1.5, Text: "   "},
				{Start: 2, End: 3.25, Text: "General Kenobi"},
			},
			Language:   "en",
			Confidence: 0.9,
		}, nil
	}}
}

func mustGet(t *testing.T, store *jobs.Store, id string) domain.Job {
	t.Helper()
	job, err := store.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return job
}

// TestSubmitRendersEveryLanguageAndFormat checks the 2x2 artifact matrix.
func TestSubmitRendersEveryLanguageAndFormat(t *testing.T) {
	h := newHarness(t, okFetcher("Star Talk"), okTranscriber(), nil)

	id, err := h.orch.Submit(context.Background(), Request{
		Source:    Source{URL: "https://example.com/watch?v=1"},
		Languages: []string{"en", "es", "en"},
		Formats:   []string{"txt", "srt"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	job := mustGet(t, h.store, id)
	if job.Status != domain.JobStatusCompleted || job.Progress != 100 {
		t.Fatalf("job = %s at %v, want completed at 100", job.Status, job.Progress)
	}
	if job.Message != "Transcription complete!" {
		t.Fatalf("message = %q", job.Message)
	}
	if job.Error != nil {
		t.Fatalf("error = %+v, want nil", job.Error)
	}
	if job.Title != "Star Talk" {
		t.Fatalf("title = %q", job.Title)
	}
	if len(job.Files) != 2 || len(job.Files["en"]) != 2 || len(job.Files["es"]) != 2 {
		t.Fatalf("files = %v, want 2x2", job.Files)
	}
	if got := job.Files["es"]["srt"]; got != "star-talk_es.srt" {
		t.Fatalf("es srt name = %q", got)
	}
	if job.Performance == nil || job.Performance.SegmentCount != 2 || job.Performance.Backend != "fake" {
		t.Fatalf("performance = %+v", job.Performance)
	}
	if job.Performance.AudioDurationSeconds != 4 {
		t.Fatalf("audio duration = %v, want 4 from fetch", job.Performance.AudioDurationSeconds)
	}

	bodies := make(map[string]string)
	for _, lang := range []string{"en", "es"} {
		f, err := h.artifacts.Open(id, job.Files[lang]["txt"])
		if err != nil {
			t.Fatalf("open %s txt: %v", lang, err)
		}
		data := make([]byte, 4096)
		n, _ := f.Read(data)
		f.Close()
		parts := strings.SplitN(string(data[:n]), "\n\n", 2)
		if len(parts) != 2 {
			t.Fatalf("%s txt = %q, want header and body", lang, data[:n])
		}
		bodies[lang] = parts[1]
	}
	if bodies["en"] != bodies["es"] || bodies["en"] != "Hello there General Kenobi\n" {
		t.Fatalf("txt bodies = %q", bodies)
	}

	entries, err := os.ReadDir(h.tempDir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace left behind: %v", entries)
	}
}

// TestRunProgressIsMonotonic replays the event feed of one job.
func TestRunProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, okFetcher("Talk"), okTranscriber(), nil)

	id, err := h.orch.Submit(context.Background(), Request{
		Source:  Source{URL: "https://example.com/a"},
		Formats: []string{"txt", "vtt", "json"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	events := h.store.Events().Since(id, 0)
	if len(events) < 6 {
		t.Fatalf("events = %d, want a full lifecycle", len(events))
	}
	order := map[domain.JobStatus]int{
		domain.JobStatusInitializing: 0,
		domain.JobStatusDownloading:  1,
		domain.JobStatusTranscribing: 2,
		domain.JobStatusRendering:    3,
		domain.JobStatusCompleted:    4,
	}
	var last domain.Job
	seen := make(map[domain.JobStatus]bool)
	for i, ev := range events {
		if i > 0 {
			if ev.Job.Progress < last.Progress {
				t.Fatalf("progress went back from %v to %v", last.Progress, ev.Job.Progress)
			}
			if order[ev.Job.Status] < order[last.Status] {
				t.Fatalf("status went back from %s to %s", last.Status, ev.Job.Status)
			}
		}
		seen[ev.Job.Status] = true
		last = ev.Job
	}
	for status := range order {
		if !seen[status] {
			t.Fatalf("status %s never observed", status)
		}
	}
	if last.Status != domain.JobStatusCompleted {
		t.Fatalf("last status = %s", last.Status)
	}
}

// TestRunFetchFailure checks the source_fetch error path.
func TestRunFetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req fetch.Request) (fetch.Result, error) {
		req.OnProgress(0.5)
		return fetch.Result{}, errors.New("video unavailable")
	}}
	called := false
	tr := &fakeTranscriber{transcribe: func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		called = true
		return transcribe.Result{}, nil
	}}
	h := newHarness(t, fetcher, tr, nil)

	id, err := h.orch.Submit(context.Background(), Request{Source: Source{URL: "https://example.com/gone"}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	job := mustGet(t, h.store, id)
	if job.Status != domain.JobStatusError {
		t.Fatalf("status = %s, want error", job.Status)
	}
	if job.Error == nil || job.Error.Kind != domain.ErrorKindSourceFetch || job.Error.Stage != domain.JobStatusDownloading {
		t.Fatalf("error = %+v, want source_fetch during downloading", job.Error)
	}
	if !strings.HasPrefix(job.Message, "Error: ") || !strings.Contains(job.Message, "video unavailable") {
		t.Fatalf("message = %q", job.Message)
	}
	if job.Progress != 15 {
		t.Fatalf("progress = %v, want frozen at 15", job.Progress)
	}
	if job.Files != nil {
		t.Fatalf("files = %v, want nil", job.Files)
	}
	if called {
		t.Fatal("transcriber should not run after fetch failure")
	}
}

// TestRunTranscriptionFailures covers backend errors and empty transcripts.
func TestRunTranscriptionFailures(t *testing.T) {
	cases := map[string]func(ctx context.Context, req transcribe.Request) (transcribe.Result, error){
		"backend error": func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
			return transcribe.Result{}, errors.New("model crashed")
		},
		"no speech": func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
			return transcribe.Result{Segments: []domain.Segment{{Start: 0, End: 1, Text: "  "}}}, nil
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, okFetcher("Talk"), &fakeTranscriber{transcribe: fn}, nil)
			id, err := h.orch.Submit(context.Background(), Request{Source: Source{URL: "https://example.com/a"}})
			if err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			job := mustGet(t, h.store, id)
			if job.Status != domain.JobStatusError || job.Error == nil {
				t.Fatalf("job = %+v, want error", job)
			}
			if job.Error.Kind != domain.ErrorKindTranscription || job.Error.Stage != domain.JobStatusTranscribing {
				t.Fatalf("error = %+v, want transcription during transcribing", job.Error)
			}
			if job.Performance != nil {
				t.Fatalf("performance = %+v, want nil", job.Performance)
			}
		})
	}
}

// TestRunTimeout checks that a request deadline becomes a timeout error.
func TestRunTimeout(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req fetch.Request) (fetch.Result, error) {
		<-ctx.Done()
		return fetch.Result{}, ctx.Err()
	}}
	h := newHarness(t, fetcher, okTranscriber(), nil)

	id, err := h.orch.Submit(context.Background(), Request{
		Source:  Source{URL: "https://example.com/slow"},
		Timeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	job := mustGet(t, h.store, id)
	if job.Error == nil || job.Error.Kind != domain.ErrorKindTimeout || job.Error.Stage != domain.JobStatusDownloading {
		t.Fatalf("error = %+v, want timeout during downloading", job.Error)
	}
	if job.Message != "Error: timed out while downloading" {
		t.Fatalf("message = %q", job.Message)
	}
}

// TestRunLocalFile checks uploads pass through downloading and are removed.
func TestRunLocalFile(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req fetch.Request) (fetch.Result, error) {
		t.Fatal("fetcher should not run for uploads")
		return fetch.Result{}, nil
	}}
	var gotAudio string
	tr := &fakeTranscriber{transcribe: func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		gotAudio = req.AudioPath
		if req.Language != "auto" {
			t.Errorf("language = %q, want auto", req.Language)
		}
		return transcribe.Result{Segments: []domain.Segment{{Start: 0, End: 1, Text: "hi"}}}, nil
	}}
	h := newHarness(t, fetcher, tr, nil)

	upload := filepath.Join(t.TempDir(), "upload-123.wav")
	if err := os.WriteFile(upload, []byte("audio"), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}

	id, err := h.orch.Submit(context.Background(), Request{
		Source: Source{LocalPath: upload, DisplayName: "Board Meeting.wav", RemoveAfter: true},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	job := mustGet(t, h.store, id)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed (%+v)", job.Status, job.Error)
	}
	if job.Title != "Board Meeting" {
		t.Fatalf("title = %q", job.Title)
	}
	if got := job.Files["en"]["txt"]; got != "board-meeting_en.txt" {
		t.Fatalf("files = %v", job.Files)
	}
	if gotAudio != upload {
		t.Fatalf("audio = %q, want %q", gotAudio, upload)
	}
	if _, err := os.Stat(upload); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("upload should be removed, stat err = %v", err)
	}

	sawDownloading := false
	for _, ev := range h.store.Events().Since(id, 0) {
		if ev.Job.Status == domain.JobStatusDownloading && ev.Job.Progress == 30 {
			sawDownloading = true
		}
	}
	if !sawDownloading {
		t.Fatal("upload never passed through downloading")
	}
}

// TestRunJSONArtifact checks the JSON document written for a job.
func TestRunJSONArtifact(t *testing.T) {
	h := newHarness(t, okFetcher("Demo"), okTranscriber(), nil)

	id, err := h.orch.Submit(context.Background(), Request{
		Source:  Source{URL: "https://example.com/demo"},
		Formats: []string{"json"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	job := mustGet(t, h.store, id)
	name := job.Files["en"]["json"]
	if name == "" {
		t.Fatalf("files = %v", job.Files)
	}

	data, err := os.ReadFile(filepath.Join(h.artifacts.Root(), id, name))
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var doc struct {
		Title        string `json:"title"`
		Language     string `json:"language"`
		LanguageCode string `json:"language_code"`
		Segments     []struct {
			Text string `json:"text"`
		} `json:"segments"`
		Metadata struct {
			SegmentCount int    `json:"segment_count"`
			PoweredBy    string `json:"powered_by"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Title != "Demo" || doc.Language != "English" || doc.LanguageCode != "en" {
		t.Fatalf("doc = %+v", doc)
	}
	if len(doc.Segments) != 2 || doc.Metadata.SegmentCount != 2 {
		t.Fatalf("segments = %d, count = %d, want 2", len(doc.Segments), doc.Metadata.SegmentCount)
	}
	if doc.Metadata.PoweredBy != render.PoweredBy {
		t.Fatalf("powered_by = %q, want %q", doc.Metadata.PoweredBy, render.PoweredBy)
	}
}

// TestRunCleanupFailureIsLogged checks cleanup errors never fail a job.
func TestRunCleanupFailureIsLogged(t *testing.T) {
	h := newHarness(t, okFetcher("Talk"), okTranscriber(), nil)
	h.orch.removeAll = func(string) error { return errors.New("device busy") }

	id, err := h.orch.Submit(context.Background(), Request{Source: Source{URL: "https://example.com/a"}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if job := mustGet(t, h.store, id); job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}

	found := false
	for _, entry := range h.hook.AllEntries() {
		if entry.Message == "cleanup workspace" && entry.Level == logrus.WarnLevel && entry.Data["job_id"] == id {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a cleanup warning tagged with job_id")
	}
}

// TestRunRenderPanic checks a panicking renderer becomes a render error.
func TestRunRenderPanic(t *testing.T) {
	h := newHarness(t, okFetcher("Talk"), okTranscriber(), nil)
	h.orch.render = func(render.Document, render.Format) ([]byte, error) {
		panic("boom")
	}

	id, err := h.orch.Submit(context.Background(), Request{Source: Source{URL: "https://example.com/a"}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	job := mustGet(t, h.store, id)
	if job.Error == nil || job.Error.Kind != domain.ErrorKindRender || job.Error.Stage != domain.JobStatusRendering {
		t.Fatalf("error = %+v, want render during rendering", job.Error)
	}
	if _, err := os.Stat(filepath.Join(h.artifacts.Root(), id)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("no artifacts should be written, stat err = %v", err)
	}
}

// TestRunPersistenceFailure checks write errors become persistence errors.
func TestRunPersistenceFailure(t *testing.T) {
	h := newHarness(t, okFetcher("Talk"), okTranscriber(), nil)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	h.orch.artifacts = artifact.NewStore(blocker)

	id, err := h.orch.Submit(context.Background(), Request{Source: Source{URL: "https://example.com/a"}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	job := mustGet(t, h.store, id)
	if job.Error == nil || job.Error.Kind != domain.ErrorKindPersistence {
		t.Fatalf("error = %+v, want persistence", job.Error)
	}
	if job.Progress != 95 {
		t.Fatalf("progress = %v, want frozen at 95", job.Progress)
	}
}

// TestSubmitPoolRejection fails the job when the pool is full.
func TestSubmitPoolRejection(t *testing.T) {
	h := newHarness(t, okFetcher("Talk"), okTranscriber(), &syncPool{err: worker.ErrQueueFull})

	upload := filepath.Join(t.TempDir(), "up.mp3")
	if err := os.WriteFile(upload, []byte("audio"), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	id, err := h.orch.Submit(context.Background(), Request{Source: Source{LocalPath: upload, RemoveAfter: true}})
	if !errors.Is(err, worker.ErrQueueFull) {
		t.Fatalf("error = %v, want %v", err, worker.ErrQueueFull)
	}
	job := mustGet(t, h.store, id)
	if job.Status != domain.JobStatusError || job.Error.Kind != domain.ErrorKindInternal {
		t.Fatalf("job = %+v, want internal error", job)
	}
	if _, err := os.Stat(upload); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("rejected upload should be removed, stat err = %v", err)
	}
}

// TestSubmitValidation rejects requests that cannot run.
func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, okFetcher("Talk"), okTranscriber(), nil)
	cases := []Request{
		{},
		{Source: Source{URL: "https://a", LocalPath: "/tmp/a"}},
		{Source: Source{URL: "https://a"}, Formats: []string{"docx"}},
	}
	for i, req := range cases {
		if _, err := h.orch.Submit(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d error = %v, want %v", i, err, ErrInvalidRequest)
		}
	}
	if n := len(h.store.List()); n != 0 {
		t.Fatalf("jobs = %d, want none created", n)
	}
}

// TestSubmitLanguagesSharingFileName keeps one artifact per file name.
func TestSubmitLanguagesSharingFileName(t *testing.T) {
	h := newHarness(t, okFetcher("Talk"), okTranscriber(), nil)

	id, err := h.orch.Submit(context.Background(), Request{
		Source:    Source{URL: "https://example.com/talk"},
		Languages: []string{"pt br", "PT-BR", "es"},
		Formats:   []string{"txt"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	job := mustGet(t, h.store, id)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed (error %+v)", job.Status, job.Error)
	}
	if len(job.Files) != 2 {
		t.Fatalf("files = %+v, want two languages", job.Files)
	}
	if got := job.Files["pt br"]["txt"]; got != "talk_pt-br.txt" {
		t.Fatalf("pt br file = %q, want talk_pt-br.txt", got)
	}
	if got := job.Files["es"]["txt"]; got != "talk_es.txt" {
		t.Fatalf("es file = %q, want talk_es.txt", got)
	}
	entries, err := os.ReadDir(filepath.Join(h.artifacts.Root(), id))
	if err != nil {
		t.Fatalf("read artifact dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("artifact files = %d, want 2", len(entries))
	}
}

// TestSubmitConcurrentPolling runs jobs on a real pool while readers poll.
func TestSubmitConcurrentPolling(t *testing.T) {
	log, _ := test.NewNullLogger()
	pool := worker.NewPool(worker.Config{MaxWorkers: 2, QueueSize: 8}, log)
	pool.Start()
	defer pool.Stop(context.Background())

	h := newHarness(t, okFetcher("Talk"), okTranscriber(), pool)
	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := h.orch.Submit(context.Background(), Request{Source: Source{URL: "https://example.com/a"}})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			last := -1.0
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				job, err := h.store.Get(id)
				if err != nil {
					t.Errorf("get %s: %v", id, err)
					return
				}
				if job.Progress < last {
					t.Errorf("job %s progress went back from %v to %v", id, last, job.Progress)
					return
				}
				last = job.Progress
				if job.Status.IsTerminal() {
					if job.Status != domain.JobStatusCompleted {
						t.Errorf("job %s status = %s", id, job.Status)
					}
					return
				}
				time.Sleep(time.Millisecond)
			}
			t.Errorf("job %s did not finish", id)
		}(id)
	}
	wg.Wait()
}

// TestDetailFor checks error classification.
func TestDetailFor(t *testing.T) {
	d := detailFor(stageError(domain.ErrorKindTranscription, domain.JobStatusTranscribing, "transcription failed", context.Canceled))
	if d.Kind != domain.ErrorKindCancelled || d.Stage != domain.JobStatusTranscribing {
		t.Fatalf("detail = %+v, want cancelled during transcribing", d)
	}
	d = detailFor(errors.New("plain"))
	if d.Kind != domain.ErrorKindInternal || d.Message != "Error: plain" {
		t.Fatalf("detail = %+v", d)
	}
}
