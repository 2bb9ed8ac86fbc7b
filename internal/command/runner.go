// Package command runs external CLI tools and captures their output.
package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// maxCapture bounds how much stdout/stderr is kept per stream.
const maxCapture = 64 << 10

// Result is one process execution response.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Log captures one external command invocation for error reports.
type Log struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
}

// NewLog builds a Log from an invocation and its result.
func NewLog(name string, args []string, res Result) Log {
	return Log{
		Command:  name,
		Args:     args,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
}

// Error is a failed command with its captured output.
type Error struct {
	Message string
	Log     Log
	Err     error
}

// Error formats command failures for logs and job messages.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Log.Command == "" {
		return e.Message
	}
	detail := lastLine(e.Log.Stderr)
	if detail == "" {
		detail = lastLine(e.Log.Stdout)
	}
	if detail == "" {
		return fmt.Sprintf("%s (cmd=%s exit=%d)", e.Message, e.Log.Command, e.Log.ExitCode)
	}
	return fmt.Sprintf("%s (cmd=%s exit=%d): %s", e.Message, e.Log.Command, e.Log.ExitCode, detail)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Runner abstracts process execution for testability.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
	// Stream runs the command and calls onLine for every stdout or stderr line
	// as it is produced.
	Stream(ctx context.Context, onLine func(line string), name string, args ...string) (Result, error)
}

// ExecRunner executes commands via os/exec.
type ExecRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return finish(Result{Stdout: stdout.String(), Stderr: stderr.String()}, ctx, err)
}

// Stream executes one command and forwards output lines while it runs.
func (r *ExecRunner) Stream(ctx context.Context, onLine func(line string), name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, err
	}

	var mu sync.Mutex
	emit := func(line string) {
		if onLine == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onLine(line)
	}

	var stdout, stderr tailBuffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scan(stdoutPipe, &stdout, emit)
	}()
	go func() {
		defer wg.Done()
		scan(stderrPipe, &stderr, emit)
	}()
	wg.Wait()

	err = cmd.Wait()
	return finish(Result{Stdout: stdout.String(), Stderr: stderr.String()}, ctx, err)
}

// finish fills in the exit code and prefers the context error on cancellation.
func finish(result Result, ctx context.Context, err error) (Result, error) {
	if err == nil {
		return result, nil
	}
	result.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	return result, err
}

// scan splits on both \n and \r so carriage-return progress bars are seen.
func scan(r io.Reader, capture *tailBuffer, emit func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	scanner.Split(scanLines)
	for scanner.Scan() {
		line := scanner.Text()
		capture.WriteLine(line)
		emit(line)
	}
}

func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimRight(data[:i], "\r"), nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailBuffer keeps the most recent maxCapture bytes of output.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) WriteLine(line string) {
	t.buf.WriteString(line)
	t.buf.WriteByte('\n')
	if t.buf.Len() > maxCapture {
		keep := t.buf.Bytes()[t.buf.Len()-maxCapture:]
		t.buf = *bytes.NewBuffer(append([]byte(nil), keep...))
	}
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
