package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"transcript-server/internal/artifact"
	"transcript-server/internal/domain"
	"transcript-server/internal/jobs"
	"transcript-server/internal/pipeline"
)

// transcribeRequest is the body of POST /transcribe.
type transcribeRequest struct {
	URL            string   `json:"url" validate:"omitempty,url"`
	Languages      []string `json:"languages" validate:"omitempty,max=28,dive,min=2,max=12"`
	Formats        []string `json:"formats" validate:"omitempty,dive,oneof=txt srt vtt json csv md"`
	SourceLanguage string   `json:"source_language" validate:"omitempty,min=2,max=12"`
	TimeoutSeconds int      `json:"timeout_seconds" validate:"min=0"`
}

type submitResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, submitResponse{Success: false, Error: msg})
}

func jobNotFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]string{"error": "Job not found"})
}

func (s *Server) handleIndex(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Transcript server is running!",
		"service": s.cfg.Banner,
		"endpoints": []string{
			"POST /transcribe",
			"GET /progress/:job_id",
			"GET /ws/progress/:job_id",
			"GET /download/:job_id/:filename",
			"GET /download-all/:job_id",
			"GET /health",
			"GET /diagnostics",
		},
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDiagnostics(c echo.Context) error {
	if s.diagnose == nil {
		return c.JSON(http.StatusOK, domain.DiagnosticReport{GeneratedAt: time.Now().UTC()})
	}
	return c.JSON(http.StatusOK, s.diagnose())
}

// handleTranscribe accepts a JSON body, a urlencoded form or a multipart
// form with a url or a file field.
func (s *Server) handleTranscribe(c echo.Context) error {
	var (
		body   transcribeRequest
		source pipeline.Source
		err    error
	)

	switch {
	case isMultipart(c.Request()):
		body, source, err = s.readForm(c)
		if err != nil {
			return badRequest(c, err.Error())
		}
	case isURLEncoded(c.Request()):
		values, err := c.FormParams()
		if err != nil {
			return badRequest(c, "Invalid form body")
		}
		if body, err = readFields(values); err != nil {
			return badRequest(c, err.Error())
		}
		source.URL = body.URL
	default:
		if err := c.Bind(&body); err != nil {
			return badRequest(c, "Invalid request body")
		}
		source.URL = strings.TrimSpace(body.URL)
	}

	body.Formats = lo.Map(body.Formats, func(f string, _ int) string {
		return strings.ToLower(strings.TrimSpace(f))
	})
	if err := c.Validate(&body); err != nil {
		s.discard(source)
		return badRequest(c, validationMessage(err))
	}
	if source.URL == "" && source.LocalPath == "" {
		return badRequest(c, "URL or file is required")
	}

	timeout := time.Duration(body.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	id, err := s.submitter.Submit(c.Request().Context(), pipeline.Request{
		Source:         source,
		Languages:      body.Languages,
		Formats:        body.Formats,
		SourceLanguage: body.SourceLanguage,
		Timeout:        timeout,
	})
	if err != nil {
		if id == "" {
			s.discard(source)
		}
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			return badRequest(c, err.Error())
		}
		s.log.WithField("job_id", id).WithError(err).Error("submit transcription")
		return c.JSON(http.StatusInternalServerError, submitResponse{
			Success: false,
			JobID:   id,
			Error:   "Failed to start transcription: " + err.Error(),
		})
	}

	return c.JSON(http.StatusOK, submitResponse{
		Success: true,
		JobID:   id,
		Message: "Transcription started",
	})
}

// readForm parses multipart fields and stores an uploaded file as a temp
// file owned by the job.
func (s *Server) readForm(c echo.Context) (transcribeRequest, pipeline.Source, error) {
	var body transcribeRequest
	var source pipeline.Source

	form, err := c.MultipartForm()
	if err != nil {
		return body, source, errors.New("Invalid multipart form")
	}

	if body, err = readFields(form.Value); err != nil {
		return body, source, err
	}
	source.URL = body.URL

	files := form.File["file"]
	if len(files) == 0 {
		return body, source, nil
	}
	if source.URL != "" {
		return body, source, errors.New("Provide either a URL or a file, not both")
	}
	path, err := s.saveUpload(files[0])
	if err != nil {
		s.log.WithError(err).Error("save upload")
		return body, source, errors.New("Could not store uploaded file")
	}
	source.LocalPath = path
	source.DisplayName = files[0].Filename
	source.RemoveAfter = true
	return body, source, nil
}

// readFields decodes form values. List fields accept a JSON array, a comma
// separated string or repeated keys.
func readFields(values url.Values) (transcribeRequest, error) {
	var body transcribeRequest
	var err error

	body.URL = strings.TrimSpace(first(values["url"]))
	if body.Languages, err = parseList(values["languages"]); err != nil {
		return body, fmt.Errorf("Invalid languages: %v", err)
	}
	if body.Formats, err = parseList(values["formats"]); err != nil {
		return body, fmt.Errorf("Invalid formats: %v", err)
	}
	body.SourceLanguage = strings.TrimSpace(first(values["source_language"]))
	if raw := strings.TrimSpace(first(values["timeout_seconds"])); raw != "" {
		if body.TimeoutSeconds, err = strconv.Atoi(raw); err != nil {
			return body, errors.New("Invalid timeout_seconds")
		}
	}
	return body, nil
}

func (s *Server) saveUpload(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	dst, err := os.CreateTemp(s.cfg.UploadDir, "upload-*"+ext)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func (s *Server) discard(source pipeline.Source) {
	if source.RemoveAfter && source.LocalPath != "" {
		if err := os.Remove(source.LocalPath); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("path", source.LocalPath).Warn("remove rejected upload")
		}
	}
}

func (s *Server) handleProgress(c echo.Context) error {
	job, err := s.jobs.Get(c.Param("job_id"))
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return jobNotFound(c)
		}
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// handleDownload serves one artifact listed on the job.
func (s *Server) handleDownload(c echo.Context) error {
	jobID := c.Param("job_id")
	name := c.Param("filename")

	job, err := s.jobs.Get(jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return jobNotFound(c)
		}
		return err
	}
	if !lo.Contains(artifactNames(job), name) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "File not found"})
	}

	f, err := s.artifacts.Open(jobID, name)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "File not found"})
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(c.Response(), c.Request(), name, info.ModTime(), f)
	return nil
}

// handleDownloadAll streams every artifact of a completed job as a zip.
func (s *Server) handleDownloadAll(c echo.Context) error {
	jobID := c.Param("job_id")
	job, err := s.jobs.Get(jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return jobNotFound(c)
		}
		return err
	}

	names := artifactNames(job)
	if job.Status != domain.JobStatusCompleted || len(names) == 0 || !s.artifacts.Exists(jobID, names) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Files not available"})
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/zip")
	res.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", jobID+".zip"))
	res.WriteHeader(http.StatusOK)
	if err := s.artifacts.Archive(c.Request().Context(), jobID, names, res); err != nil {
		s.log.WithField("job_id", jobID).WithError(err).Warn("stream archive")
	}
	return nil
}

// artifactNames lists the job's file names in a stable order.
func artifactNames(job domain.Job) []string {
	names := lo.FlatMap(lo.Values(job.Files), func(formats map[string]string, _ int) []string {
		return lo.Values(formats)
	})
	sort.Strings(names)
	return names
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm)
}

func isURLEncoded(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get(echo.HeaderContentType), echo.MIMEApplicationForm)
}

// parseList accepts a JSON array, repeated fields or comma separated values.
func parseList(values []string) ([]string, error) {
	if len(values) == 1 {
		raw := strings.TrimSpace(values[0])
		if strings.HasPrefix(raw, "[") {
			var out []string
			if err := json.Unmarshal([]byte(raw), &out); err != nil {
				return nil, err
			}
			return out, nil
		}
		values = strings.Split(raw, ",")
	}
	return lo.Compact(lo.Map(values, func(v string, _ int) string {
		return strings.TrimSpace(v)
	})), nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func validationMessage(err error) string {
	return "Invalid request: " + err.Error()
}
