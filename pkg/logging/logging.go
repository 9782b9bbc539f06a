// Package logging configures the logrus logger shared by the server and CLI.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RequestIDField is the entry field rendered in the request column.
const RequestIDField = "request_id"

// Formatter renders entries as
// [2026-01-02 15:04:05] [a1b2c3d4] [info ] [engine.go:88] message | k=v, k=v
type Formatter struct{}

// Format implements logrus.Formatter. Fields are sorted by key.
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	buf := entry.Buffer
	if buf == nil {
		buf = &bytes.Buffer{}
	}

	reqID := "--------"
	if id, ok := entry.Data[RequestIDField].(string); ok && id != "" {
		reqID = id
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	fmt.Fprintf(buf, "[%s] [%s] [%-5s] ", entry.Time.Format("2006-01-02 15:04:05"), reqID, level)
	if entry.Caller != nil {
		fmt.Fprintf(buf, "[%s:%d] ", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	buf.WriteString(strings.TrimRight(entry.Message, "\r\n"))

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != RequestIDField {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		buf.WriteString(" |")
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			fmt.Fprintf(buf, " %s=%v", k, entry.Data[k])
		}
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Options selects the level and destination of the logger.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New builds a logger. With File set, output goes to a rotating file;
// otherwise to stderr. The returned closer releases the file.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.SetReportCaller(true)
	logger.SetFormatter(&Formatter{})

	level := logrus.InfoLevel
	if opts.Level != "" {
		l, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: %w", err)
		}
		level = l
	}
	logger.SetLevel(level)

	if opts.File == "" {
		logger.SetOutput(os.Stderr)
		return logger, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: failed to create log directory: %w", err)
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	w := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: opts.MaxBackups,
	}
	logger.SetOutput(w)
	return logger, w, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
