package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactFormatter(t *testing.T) {
	var out bytes.Buffer
	l, err := New(&out, "debug")
	require.NoError(t, err)

	l.WithFields(logrus.Fields{"unit": 1, "addr": "127.0.0.1:502"}).Debug("modbus: recv 00 01")
	line := out.String()
	assert.Contains(t, line, "| debug | modbus: recv 00 01 addr=127.0.0.1:502 unit=1\n")

	out.Reset()
	l.SetLevel(logrus.InfoLevel)
	l.Debug("hidden")
	assert.Empty(t, out.String())
}

func TestNewUnknownLevel(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "verbose")
	assert.Error(t, err)
}
