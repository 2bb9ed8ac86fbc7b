// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"transcript-server/internal/config"
)

// VersionKey tags every entry with the build version.
const VersionKey = "version"

// New creates a logger writing to stdout.
func New(c config.Logger, version string) (*logrus.Entry, error) {
	return NewWithOutput(c, version, os.Stdout)
}

// NewWithOutput creates a logger writing to out. Format "auto" picks text on
// a terminal and JSON otherwise.
func NewWithOutput(c config.Logger, version string, out io.Writer) (*logrus.Entry, error) {
	l := logrus.New()
	l.SetOutput(out)

	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	l.SetLevel(level)

	switch c.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		if isTerminal(out) {
			l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		} else {
			l.SetFormatter(&logrus.JSONFormatter{})
		}
	}

	return l.WithField(VersionKey, version), nil
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
