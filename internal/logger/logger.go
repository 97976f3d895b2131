// Package logger sets up the logrus loggers of the command line tools.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
)

// CompactFormatter implements logrus.Formatter with one line per entry:
// timestamp, level and message followed by the sorted fields.
type CompactFormatter struct{}

// Format renders a single log entry
func (f *CompactFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02T15:04:05.000-07:00")
	fmt.Fprintf(b, "%s | %-5.5s | %s", timestamp, entry.Level, entry.Message)
	for _, key := range sortedKeys(entry.Data) {
		fmt.Fprintf(b, " %s=%v", key, entry.Data[key])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func sortedKeys(data logrus.Fields) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New returns a logger writing to out at the named level.
func New(out io.Writer, level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&CompactFormatter{})
	l.SetLevel(lvl)
	return l, nil
}
