// Package render turns a transcript into the textual output formats served to
// clients. Rendering is pure: the same Document always yields the same bytes.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"transcript-server/internal/domain"
)

// Format is an output dialect code.
type Format string

const (
	FormatTXT  Format = "txt"
	FormatSRT  Format = "srt"
	FormatVTT  Format = "vtt"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatMD   Format = "md"
)

// PoweredBy is the provenance tag stamped into structured outputs.
const PoweredBy = "Whisper AI"

// Formats lists every supported format code.
var Formats = []Format{FormatTXT, FormatSRT, FormatVTT, FormatJSON, FormatCSV, FormatMD}

// IsSupported reports whether code names a known format.
func IsSupported(code string) bool {
	for _, f := range Formats {
		if string(f) == code {
			return true
		}
	}
	return false
}

// Document is everything a renderer needs for one language.
type Document struct {
	Title            string
	Language         string
	DetectedLanguage string
	Confidence       float64
	Segments         []domain.Segment
	GeneratedAt      time.Time
}

// Render produces the content of one artifact.
func Render(doc Document, format Format) ([]byte, error) {
	switch format {
	case FormatTXT:
		return renderTXT(doc), nil
	case FormatSRT:
		return renderSRT(doc), nil
	case FormatVTT:
		return renderVTT(doc), nil
	case FormatJSON:
		return renderJSON(doc)
	case FormatCSV:
		return renderCSV(doc), nil
	case FormatMD:
		return renderMD(doc), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func generatedStamp(doc Document) string {
	return doc.GeneratedAt.UTC().Format("2006-01-02 15:04:05")
}

func renderTXT(doc Document) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Title: %s\n", doc.Title)
	fmt.Fprintf(&b, "Language: %s\n", LanguageName(doc.Language))
	fmt.Fprintf(&b, "Generated: %s\n\n", generatedStamp(doc))
	b.WriteString(PlainText(doc.Segments))
	b.WriteString("\n")
	return b.Bytes()
}

// PlainText joins segment texts with single spaces.
func PlainText(segments []domain.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func renderSRT(doc Document) []byte {
	var b bytes.Buffer
	for i, seg := range doc.Segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", Timestamp(seg.Start, ','), Timestamp(seg.End, ','))
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(seg.Text))
	}
	return b.Bytes()
}

func renderVTT(doc Document) []byte {
	var b bytes.Buffer
	b.WriteString("WEBVTT\n\n")
	for _, seg := range doc.Segments {
		fmt.Fprintf(&b, "%s --> %s\n", Timestamp(seg.Start, '.'), Timestamp(seg.End, '.'))
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(seg.Text))
	}
	return b.Bytes()
}

type jsonSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type jsonMetadata struct {
	GeneratedAt      string  `json:"generated_at"`
	DetectedLanguage string  `json:"detected_language"`
	Confidence       float64 `json:"confidence"`
	SegmentCount     int     `json:"segment_count"`
	PoweredBy        string  `json:"powered_by"`
}

type jsonDocument struct {
	Title        string        `json:"title"`
	Language     string        `json:"language"`
	LanguageCode string        `json:"language_code"`
	Segments     []jsonSegment `json:"segments"`
	Metadata     jsonMetadata  `json:"metadata"`
}

func renderJSON(doc Document) ([]byte, error) {
	out := jsonDocument{
		Title:        doc.Title,
		Language:     LanguageName(doc.Language),
		LanguageCode: doc.Language,
		Segments:     make([]jsonSegment, 0, len(doc.Segments)),
		Metadata: jsonMetadata{
			GeneratedAt:      doc.GeneratedAt.UTC().Format(time.RFC3339),
			DetectedLanguage: doc.DetectedLanguage,
			Confidence:       doc.Confidence,
			SegmentCount:     len(doc.Segments),
			PoweredBy:        PoweredBy,
		},
	}
	for _, seg := range doc.Segments {
		out.Segments = append(out.Segments, jsonSegment{
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json transcript: %w", err)
	}
	return append(data, '\n'), nil
}

// renderCSV quotes every text field, which encoding/csv only does on demand.
func renderCSV(doc Document) []byte {
	var b bytes.Buffer
	b.WriteString("Start Time,End Time,Text\n")
	for _, seg := range doc.Segments {
		fmt.Fprintf(&b, "%.2f,%.2f,%s\n", seg.Start, seg.End, QuoteCSV(strings.TrimSpace(seg.Text)))
	}
	return b.Bytes()
}

// QuoteCSV wraps value in double quotes and doubles embedded quotes.
func QuoteCSV(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func renderMD(doc Document) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n", doc.Title)
	fmt.Fprintf(&b, "**Language:** %s  \n", LanguageName(doc.Language))
	if doc.DetectedLanguage != "" {
		fmt.Fprintf(&b, "**Detected language:** %s  \n", LanguageName(doc.DetectedLanguage))
	}
	fmt.Fprintf(&b, "**Generated:** %s  \n", generatedStamp(doc))
	fmt.Fprintf(&b, "**Segments:** %d\n\n---\n\n", len(doc.Segments))
	for _, seg := range doc.Segments {
		fmt.Fprintf(&b, "[%s] %s\n\n", ShortTimestamp(seg.Start), strings.TrimSpace(seg.Text))
	}
	return b.Bytes()
}

// Timestamp formats seconds as HH:MM:SS<sep>mmm.
func Timestamp(seconds float64, sep byte) string {
	ms := toMillis(seconds)
	h := ms / 3_600_000
	m := (ms / 60_000) % 60
	s := (ms / 1000) % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms%1000)
}

// ShortTimestamp formats seconds as MM:SS, letting minutes exceed 59.
func ShortTimestamp(seconds float64) string {
	total := toMillis(seconds) / 1000
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

func toMillis(seconds float64) int64 {
	if math.IsNaN(seconds) || seconds < 0 {
		return 0
	}
	return int64(math.Round(seconds * 1000))
}
