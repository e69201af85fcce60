package sklog_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.skia.org/mrtaskman/go/sklog"
)

func TestInfof_WritesSeverityPrefixedLine(t *testing.T) {
	var buf bytes.Buffer
	sklog.SetOutput(&buf)
	defer sklog.SetOutput(os.Stderr)

	sklog.Infof("hello %s", "world")
	require.Contains(t, buf.String(), "hello world")
	require.Equal(t, "I", buf.String()[:1])
}

func TestErrorf_UsesErrorPrefix(t *testing.T) {
	var buf bytes.Buffer
	sklog.SetOutput(&buf)
	defer sklog.SetOutput(os.Stderr)

	sklog.Errorf("bad thing: %d", 42)
	require.Equal(t, "E", buf.String()[:1])
	require.Contains(t, buf.String(), "bad thing: 42")
}

func TestWarningf_UsesWarningPrefix(t *testing.T) {
	var buf bytes.Buffer
	sklog.SetOutput(&buf)
	defer sklog.SetOutput(os.Stderr)

	sklog.Warningf("careful")
	require.Equal(t, "W", buf.String()[:1])
}
