package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	LogKindData    = "data"
	LogKindControl = "control"
)

// LogLine is one JSON-encoded line of a job log.
type LogLine struct {
	Kind    string    `json:"kind"`
	Time    time.Time `json:"time"`
	StepIdx int       `json:"step"`
	Content string    `json:"content"`

	// data lines
	Stream string `json:"stream,omitempty"`

	// control lines
	StepName   string     `json:"step_name,omitempty"`
	StepStatus StepStatus `json:"step_status,omitempty"`
}

func NewDataLogLine(idx int, content, stream string) LogLine {
	return LogLine{
		Kind:    LogKindData,
		Time:    time.Now(),
		StepIdx: idx,
		Content: content,
		Stream:  stream,
	}
}

func NewControlLogLine(idx int, name string, status StepStatus) LogLine {
	return LogLine{
		Kind:       LogKindControl,
		Time:       time.Now(),
		StepIdx:    idx,
		Content:    name,
		StepName:   name,
		StepStatus: status,
	}
}

// JobLogger writes a job's step output and step transitions to
// <baseDir>/<job id>.log, one JSON object per line.
type JobLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	masker  *strings.Replacer
	echo    io.Writer
}

type JobLoggerOpt func(*JobLogger)

// WithMask replaces every occurrence of the given values with "***".
func WithMask(values ...string) JobLoggerOpt {
	return func(l *JobLogger) {
		var pairs []string
		for _, v := range values {
			if v == "" {
				continue
			}
			pairs = append(pairs, v, "***")
		}
		if len(pairs) > 0 {
			l.masker = strings.NewReplacer(pairs...)
		}
	}
}

// WithEcho mirrors data lines, prefixed with the step index, to w.
func WithEcho(w io.Writer) JobLoggerOpt {
	return func(l *JobLogger) {
		l.echo = w
	}
}

func NewJobLogger(baseDir string, jid JobId, opts ...JobLoggerOpt) (*JobLogger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	path := LogFilePath(baseDir, jid)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	l := &JobLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

func LogFilePath(baseDir string, jid JobId) string {
	logFilePath := filepath.Join(baseDir, fmt.Sprintf("%s.log", jid.String()))
	return logFilePath
}

func (l *JobLogger) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}

func (l *JobLogger) DataWriter(idx int, stream string) io.Writer {
	if l == nil {
		return io.Discard
	}
	return &dataWriter{
		logger: l,
		idx:    idx,
		stream: stream,
	}
}

// Control records a step status transition.
func (l *JobLogger) Control(idx int, name string, status StepStatus) error {
	if l == nil {
		return nil
	}
	return l.encode(NewControlLogLine(idx, name, status))
}

func (l *JobLogger) encode(entry LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(entry)
}

// regex to match ANSI escape codes (e.g., color codes, cursor moves)
const ansi = "[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRe = regexp.MustCompile(ansi)

type dataWriter struct {
	logger *JobLogger
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	text := ansiRe.ReplaceAllString(string(p), "")
	if w.logger.masker != nil {
		text = w.logger.masker.Replace(text)
	}

	for _, line := range strings.Split(strings.TrimRight(text, "\r\n"), "\n") {
		line = strings.TrimRight(line, "\r")
		if err := w.logger.encode(NewDataLogLine(w.idx, line, w.stream)); err != nil {
			return 0, err
		}
		if w.logger.echo != nil {
			fmt.Fprintf(w.logger.echo, "[%d] %s\n", w.idx, line)
		}
	}
	return len(p), nil
}

// ReadLog decodes every line of a job log.
func ReadLog(r io.Reader) ([]LogLine, error) {
	var lines []LogLine
	dec := json.NewDecoder(r)
	for dec.More() {
		var l LogLine
		if err := dec.Decode(&l); err != nil {
			return lines, err
		}
		lines = append(lines, l)
	}
	return lines, nil
}
