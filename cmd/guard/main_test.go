package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestScan_Accepted(t *testing.T) {
	t.Chdir(t.TempDir())
	out, err := run(t, "", "scan", "mail", "jane@corp.example", "today")
	require.NoError(t, err)

	var d struct {
		State        string `json:"state"`
		RedactedText string `json:"redacted_text"`
		PIIDetected  bool   `json:"pii_detected"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, "ACCEPTED", d.State)
	assert.Equal(t, "mail [EMAIL-0] today", d.RedactedText)
	assert.True(t, d.PIIDetected)
}

func TestScan_FileAndStdin(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "q.txt")
	require.NoError(t, os.WriteFile(path, []byte("ring +44 7700 900123 today"), 0o600))

	out, err := run(t, "", "scan", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[PHONE-0]")

	out, err = run(t, "hello there", "scan")
	require.NoError(t, err)
	assert.Contains(t, out, `"redacted_text": "hello there"`)
}

func TestScan_Errors(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := run(t, "   ", "scan")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	t.Setenv("LOG_FORMAT", "xml")
	_, err = run(t, "", "scan", "hi")
	require.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(errRejected))
	assert.Equal(t, 2, exitCode(errors.New("boom")))
}
