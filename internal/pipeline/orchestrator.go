// Package pipeline drives one transcription job from source to artifacts.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"transcript-server/internal/artifact"
	"transcript-server/internal/domain"
	"transcript-server/internal/fetch"
	"transcript-server/internal/jobs"
	"transcript-server/internal/render"
	"transcript-server/internal/transcribe"
	"transcript-server/internal/worker"
)

const (
	defaultLanguage       = "en"
	defaultFormat         = "txt"
	defaultSourceLanguage = "auto"
	uploadTitle           = "Uploaded Audio"
	completedMessage      = "Transcription complete!"
)

// renderTicks is the part of the rendering band spent on per-artifact ticks;
// the rest is reserved for persisting.
var renderTicks = jobs.Band{Low: 70, High: 90}

// Source is where the audio of one job comes from. Exactly one of URL and
// LocalPath is set.
type Source struct {
	URL       string
	LocalPath string
	// DisplayName is the original name of an uploaded file.
	DisplayName string
	// RemoveAfter hands ownership of LocalPath to the job.
	RemoveAfter bool
}

// Request is one transcription submission.
type Request struct {
	Source
	Languages      []string
	Formats        []string
	SourceLanguage string
	// Timeout bounds the whole run; zero falls back to Config.JobTimeout.
	Timeout time.Duration
}

// Submitter schedules a task without waiting for it.
type Submitter interface {
	Submit(task worker.Task) error
}

// Config carries per-stage limits and the workspace root.
type Config struct {
	TempDir           string
	JobTimeout        time.Duration
	FetchTimeout      time.Duration
	TranscribeTimeout time.Duration
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Store       *jobs.Store
	Fetcher     fetch.Fetcher
	Transcriber transcribe.Transcriber
	Artifacts   *artifact.Store
	Pool        Submitter
	Log         logrus.FieldLogger
}

// Orchestrator creates jobs and runs them on the pool.
type Orchestrator struct {
	store       *jobs.Store
	fetcher     fetch.Fetcher
	transcriber transcribe.Transcriber
	artifacts   *artifact.Store
	pool        Submitter
	log         logrus.FieldLogger
	cfg         Config

	newID     func() string
	now       func() time.Time
	render    func(render.Document, render.Format) ([]byte, error)
	mkdirTemp func(dir, pattern string) (string, error)
	stat      func(name string) (os.FileInfo, error)
	removeAll func(path string) error
	remove    func(name string) error
}

// New creates an orchestrator with OS dependencies.
func New(deps Deps, cfg Config) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		store:       deps.Store,
		fetcher:     deps.Fetcher,
		transcriber: deps.Transcriber,
		artifacts:   deps.Artifacts,
		pool:        deps.Pool,
		log:         log,
		cfg:         cfg,
		newID:       uuid.NewString,
		now:         time.Now,
		render:      render.Render,
		mkdirTemp:   os.MkdirTemp,
		stat:        os.Stat,
		removeAll:   os.RemoveAll,
		remove:      os.Remove,
	}
}

// Submit registers a new job and schedules it. The job is visible to Get
// before Submit returns. If the pool rejects the task the job is failed and
// the id is returned together with the error.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req, err := normalizeRequest(req)
	if err != nil {
		return "", err
	}

	id := o.newID()
	if _, err := o.store.Create(id); err != nil {
		o.log.WithField("job_id", id).WithError(err).Error("create job")
		return "", err
	}

	err = o.pool.Submit(func(taskCtx context.Context) {
		o.Run(taskCtx, id, req)
	})
	if err != nil {
		log := o.log.WithField("job_id", id)
		log.WithError(err).Error("schedule job")
		o.fail(log, id, domain.ErrorDetail{
			Kind:    domain.ErrorKindInternal,
			Stage:   domain.JobStatusInitializing,
			Message: "Error: " + err.Error(),
		})
		o.discardUpload(log, req.Source)
		return id, err
	}
	return id, nil
}

// Run executes the job to a terminal state. It never panics to its caller.
func (o *Orchestrator) Run(ctx context.Context, jobID string, req Request) {
	log := o.log.WithField("job_id", jobID)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.JobTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var workDir string
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("job panicked")
			o.fail(log, jobID, domain.ErrorDetail{
				Kind:    domain.ErrorKindInternal,
				Message: fmt.Sprintf("Error: internal error: %v", r),
			})
		}
		o.cleanup(log, workDir, req.Source)
	}()

	dir, err := o.mkdirTemp(o.cfg.TempDir, "job-"+jobID+"-*")
	if err != nil {
		o.fail(log, jobID, detailFor(stageError(domain.ErrorKindInternal, domain.JobStatusInitializing, "create workspace", err)))
		return
	}
	workDir = dir

	if err := o.execute(ctx, log, jobID, workDir, req); err != nil {
		detail := detailFor(err)
		log.WithFields(logrus.Fields{"stage": detail.Stage, "kind": detail.Kind}).WithError(err).Warn("job failed")
		if detail.Kind == domain.ErrorKindPersistence || detail.Kind == domain.ErrorKindTimeout || detail.Kind == domain.ErrorKindCancelled {
			if rmErr := o.artifacts.Remove(jobID); rmErr != nil {
				log.WithError(rmErr).Warn("remove partial artifacts")
			}
		}
		o.fail(log, jobID, detail)
		return
	}
	log.Info("job completed")
}

func (o *Orchestrator) execute(ctx context.Context, log logrus.FieldLogger, jobID, workDir string, req Request) error {
	audio, err := o.resolveAudio(ctx, log, jobID, workDir, req.Source)
	if err != nil {
		return err
	}

	result, err := o.transcribe(ctx, log, jobID, workDir, audio, req.SourceLanguage)
	if err != nil {
		return err
	}

	artifacts, err := o.renderAll(ctx, log, jobID, audio.Title, result, req)
	if err != nil {
		return err
	}

	return o.persist(ctx, jobID, audio.Title, artifacts)
}

// resolveAudio runs the downloading stage. Uploaded files pass through it
// without a fetch.
func (o *Orchestrator) resolveAudio(ctx context.Context, log logrus.FieldLogger, jobID, workDir string, src Source) (fetch.Result, error) {
	band := jobs.BandFor(domain.JobStatusDownloading)
	stage := domain.JobStatusDownloading

	if src.URL == "" {
		if err := o.advance(jobID, stage, band.Low, "Preparing uploaded audio..."); err != nil {
			return fetch.Result{}, err
		}
		if _, err := o.stat(src.LocalPath); err != nil {
			return fetch.Result{}, stageError(domain.ErrorKindSourceFetch, stage, "uploaded audio is not readable", err)
		}
		res := fetch.Result{AudioPath: src.LocalPath, Title: uploadDisplayTitle(src.DisplayName)}
		return res, o.setTitle(jobID, res.Title, band.High, "Audio ready")
	}

	if err := o.advance(jobID, stage, band.Low, "Downloading audio..."); err != nil {
		return fetch.Result{}, err
	}

	fctx, cancel := withTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()
	res, err := o.fetcher.Fetch(fctx, fetch.Request{
		URL:     src.URL,
		WorkDir: workDir,
		OnProgress: func(fraction float64) {
			msg := fmt.Sprintf("Downloading audio... %.0f%%", fraction*100)
			if err := o.advance(jobID, stage, band.At(fraction), msg); err != nil {
				log.WithError(err).Debug("drop download progress")
			}
		},
	})
	if err != nil {
		return fetch.Result{}, stageError(domain.ErrorKindSourceFetch, stage, "failed to fetch source", err)
	}
	if strings.TrimSpace(res.Title) == "" {
		res.Title = "Unknown Video"
	}
	log.WithFields(logrus.Fields{"title": res.Title, "duration": res.DurationSeconds}).Info("audio downloaded")
	return res, o.setTitle(jobID, res.Title, band.High, "Audio downloaded")
}

func (o *Orchestrator) transcribe(ctx context.Context, log logrus.FieldLogger, jobID, workDir string, audio fetch.Result, language string) (transcribe.Result, error) {
	band := jobs.BandFor(domain.JobStatusTranscribing)
	stage := domain.JobStatusTranscribing
	if err := o.advance(jobID, stage, band.Low, "Transcribing audio..."); err != nil {
		return transcribe.Result{}, err
	}

	tctx, cancel := withTimeout(ctx, o.cfg.TranscribeTimeout)
	defer cancel()
	started := o.now()
	result, err := o.transcriber.Transcribe(tctx, transcribe.Request{
		AudioPath: audio.AudioPath,
		WorkDir:   workDir,
		Language:  language,
		OnProgress: func(fraction float64) {
			msg := fmt.Sprintf("Transcribing audio... %.0f%%", fraction*100)
			if err := o.advance(jobID, stage, band.At(fraction), msg); err != nil {
				log.WithError(err).Debug("drop transcription progress")
			}
		},
	})
	if err != nil {
		return transcribe.Result{}, stageError(domain.ErrorKindTranscription, stage, "transcription failed", err)
	}

	result.Segments = usableSegments(result.Segments)
	if len(result.Segments) == 0 {
		return transcribe.Result{}, stageError(domain.ErrorKindTranscription, stage, "no speech detected in audio", nil)
	}

	duration := result.DurationSeconds
	if duration == 0 {
		duration = audio.DurationSeconds
	}
	stats := &domain.PerformanceStats{
		TranscriptionSeconds: o.now().Sub(started).Seconds(),
		DetectedLanguage:     result.Language,
		Confidence:           result.Confidence,
		SegmentCount:         len(result.Segments),
		AudioDurationSeconds: duration,
		Backend:              o.transcriber.Name(),
	}
	_, err = o.store.Update(jobID, func(job *domain.Job) error {
		if err := jobs.Advance(job, stage, band.High, "Transcription finished"); err != nil {
			return err
		}
		job.Performance = stats
		return nil
	})
	if err != nil {
		return transcribe.Result{}, stageError(domain.ErrorKindInternal, stage, "record transcription", err)
	}
	log.WithFields(logrus.Fields{"segments": stats.SegmentCount, "language": stats.DetectedLanguage}).Info("audio transcribed")
	return result, nil
}

// renderAll builds every language and format pair in memory. Nothing is
// written before all of them succeed.
func (o *Orchestrator) renderAll(ctx context.Context, log logrus.FieldLogger, jobID, title string, result transcribe.Result, req Request) ([]domain.Artifact, error) {
	stage := domain.JobStatusRendering
	if err := o.advance(jobID, stage, renderTicks.Low, "Rendering transcripts..."); err != nil {
		return nil, err
	}

	total := len(req.Languages) * len(req.Formats)
	out := make([]domain.Artifact, 0, total)
	generated := o.now()
	for _, lang := range req.Languages {
		doc := render.Document{
			Title:            title,
			Language:         lang,
			DetectedLanguage: result.Language,
			Confidence:       result.Confidence,
			Segments:         result.Segments,
			GeneratedAt:      generated,
		}
		for _, format := range req.Formats {
			if err := ctx.Err(); err != nil {
				return nil, stageError(domain.ErrorKindRender, stage, "rendering interrupted", err)
			}
			content, err := o.safeRender(doc, render.Format(format))
			if err != nil {
				return nil, stageError(domain.ErrorKindRender, stage, fmt.Sprintf("render %s/%s", lang, format), err)
			}
			out = append(out, domain.Artifact{Language: lang, Format: format, Content: content})

			msg := fmt.Sprintf("Rendered %d of %d files", len(out), total)
			if err := o.advance(jobID, stage, renderTicks.At(float64(len(out))/float64(total)), msg); err != nil {
				log.WithError(err).Debug("drop render progress")
			}
		}
	}
	return out, nil
}

func (o *Orchestrator) safeRender(doc render.Document, format render.Format) (content []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("renderer panicked: %v", r)
		}
	}()
	return o.render(doc, format)
}

func (o *Orchestrator) persist(ctx context.Context, jobID, title string, artifacts []domain.Artifact) error {
	stage := domain.JobStatusRendering
	if err := o.advance(jobID, stage, jobs.BandFor(stage).High, "Saving files"); err != nil {
		return err
	}

	files := make(map[string]map[string]string)
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return stageError(domain.ErrorKindPersistence, stage, "saving interrupted", err)
		}
		name, err := o.artifacts.Write(jobID, artifact.FileName(title, a.Language, a.Format), a.Content)
		if err != nil {
			return stageError(domain.ErrorKindPersistence, stage, "failed to save transcript files", err)
		}
		if files[a.Language] == nil {
			files[a.Language] = make(map[string]string)
		}
		files[a.Language][a.Format] = name
	}

	_, err := o.store.Update(jobID, func(job *domain.Job) error {
		return jobs.Complete(job, files, completedMessage)
	})
	if err != nil {
		return stageError(domain.ErrorKindInternal, stage, "complete job", err)
	}
	return nil
}

func (o *Orchestrator) advance(jobID string, status domain.JobStatus, percent float64, message string) error {
	_, err := o.store.Update(jobID, func(job *domain.Job) error {
		return jobs.Advance(job, status, percent, message)
	})
	if err != nil {
		return stageError(domain.ErrorKindInternal, status, "update job", err)
	}
	return nil
}

func (o *Orchestrator) setTitle(jobID, title string, percent float64, message string) error {
	_, err := o.store.Update(jobID, func(job *domain.Job) error {
		if err := jobs.Advance(job, domain.JobStatusDownloading, percent, message); err != nil {
			return err
		}
		job.Title = title
		return nil
	})
	if err != nil {
		return stageError(domain.ErrorKindInternal, domain.JobStatusDownloading, "update job", err)
	}
	return nil
}

func (o *Orchestrator) fail(log logrus.FieldLogger, jobID string, detail domain.ErrorDetail) {
	_, err := o.store.Update(jobID, func(job *domain.Job) error {
		return jobs.Fail(job, detail)
	})
	if err != nil {
		log.WithError(err).Error("record job failure")
	}
}

// cleanup removes the workspace and an owned upload. Failures are logged
// and never change the job.
func (o *Orchestrator) cleanup(log logrus.FieldLogger, workDir string, src Source) {
	if workDir != "" {
		if err := o.removeAll(workDir); err != nil {
			log.WithError(err).WithField("path", workDir).Warn("cleanup workspace")
		}
	}
	o.discardUpload(log, src)
}

func (o *Orchestrator) discardUpload(log logrus.FieldLogger, src Source) {
	if !src.RemoveAfter || src.LocalPath == "" {
		return
	}
	if err := o.remove(src.LocalPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", src.LocalPath).Warn("cleanup upload")
	}
}

// normalizeRequest applies defaults and drops duplicate or blank codes.
func normalizeRequest(req Request) (Request, error) {
	req.URL = strings.TrimSpace(req.URL)
	req.LocalPath = strings.TrimSpace(req.LocalPath)
	if req.URL == "" && req.LocalPath == "" {
		return req, fmt.Errorf("%w: a url or an uploaded file is required", ErrInvalidRequest)
	}
	if req.URL != "" && req.LocalPath != "" {
		return req, fmt.Errorf("%w: url and uploaded file are mutually exclusive", ErrInvalidRequest)
	}

	// Languages that would produce the same file name keep the first code.
	req.Languages = lo.UniqBy(normalizeCodes(req.Languages, defaultLanguage), artifact.LanguageSlug)
	req.Formats = normalizeCodes(req.Formats, defaultFormat)
	for _, f := range req.Formats {
		if !render.IsSupported(f) {
			return req, fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, f)
		}
	}
	if strings.TrimSpace(req.SourceLanguage) == "" {
		req.SourceLanguage = defaultSourceLanguage
	}
	return req, nil
}

func normalizeCodes(codes []string, fallback string) []string {
	out := lo.Uniq(lo.Compact(lo.Map(codes, func(code string, _ int) string {
		return strings.ToLower(strings.TrimSpace(code))
	})))
	if len(out) == 0 {
		return []string{fallback}
	}
	return out
}

func usableSegments(segments []domain.Segment) []domain.Segment {
	return lo.FilterMap(segments, func(seg domain.Segment, _ int) (domain.Segment, bool) {
		seg.Text = strings.TrimSpace(seg.Text)
		if seg.End < seg.Start {
			seg.End = seg.Start
		}
		return seg, seg.Text != ""
	})
}

func uploadDisplayTitle(name string) string {
	base := strings.TrimSpace(filepath.Base(name))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return uploadTitle
	}
	return base
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
