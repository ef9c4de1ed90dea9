package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranchName(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"explicit branch", Event{Kind: "push", Branch: "main"}, "main"},
		{"branch ref", Event{Kind: "push", Ref: "refs/heads/feature/x"}, "feature/x"},
		{"tag ref", Event{Kind: "push", Ref: "refs/tags/v1.0.0"}, ""},
		{"explicit wins", Event{Kind: "push", Ref: "refs/heads/a", Branch: "b"}, "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.BranchName())
		})
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"kind": "push", "ref": "refs/heads/main", "repository": "/srv/repo"}`))
	require.NoError(t, err)
	assert.Equal(t, "push", ev.Kind)
	assert.Equal(t, "main", ev.BranchName())

	ev, err = ParseEvent([]byte("kind: pull_request\nbranch: develop\n"))
	require.NoError(t, err)
	assert.Equal(t, "develop", ev.BranchName())

	_, err = ParseEvent([]byte(`{"branch": "main"}`))
	assert.ErrorIs(t, err, ErrMissingEventKind)
}

func TestJobIdIsPathSafe(t *testing.T) {
	jid := JobId{Run: "run/1", Name: "unit tests"}
	assert.Equal(t, "run-1-unit-tests", jid.String())
}

func TestConstructEnvsSorted(t *testing.T) {
	got := ConstructEnvs(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, EnvVars{"A=1", "B=2"}, got)

	got.AddEnv("C", "3")
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, got.Slice())
}

func TestMergeEnvPrecedence(t *testing.T) {
	got := MergeEnv(
		map[string]string{"A": "wf", "B": "wf"},
		map[string]string{"B": "job", "C": "job"},
		nil,
		map[string]string{"C": "step"},
	)
	assert.Equal(t, map[string]string{"A": "wf", "B": "job", "C": "step"}, got)
}

func TestWithPath(t *testing.T) {
	got := WithPath(map[string]string{"PATH": "/usr/bin"}, []string{"/tc/bin"}, "/bin")
	assert.Equal(t, "/tc/bin:/usr/bin", got["PATH"])

	got = WithPath(map[string]string{}, []string{"/tc/bin"}, "/bin")
	assert.Equal(t, "/tc/bin:/bin", got["PATH"])
}

func TestJobLogger(t *testing.T) {
	dir := t.TempDir()
	jid := JobId{Run: "r1", Name: "test"}

	l, err := NewJobLogger(dir, jid, WithMask("hunter2"))
	require.NoError(t, err)

	require.NoError(t, l.Control(0, "build", StepStatusRunning))
	_, err = l.DataWriter(0, "stdout").Write([]byte("\x1b[32mok\x1b[0m password=hunter2\nsecond line\n"))
	require.NoError(t, err)
	require.NoError(t, l.Control(0, "build", StepStatusSucceeded))
	require.NoError(t, l.Close())

	f, err := os.Open(filepath.Join(dir, "r1-test.log"))
	require.NoError(t, err)
	defer f.Close()

	lines, err := ReadLog(f)
	require.NoError(t, err)
	require.Len(t, lines, 4)

	assert.Equal(t, LogKindControl, lines[0].Kind)
	assert.Equal(t, StepStatusRunning, lines[0].StepStatus)
	assert.Equal(t, "ok password=***", lines[1].Content)
	assert.Equal(t, "stdout", lines[1].Stream)
	assert.Equal(t, "second line", lines[2].Content)
	assert.Equal(t, StepStatusSucceeded, lines[3].StepStatus)
}

func TestNilJobLogger(t *testing.T) {
	var l *JobLogger
	assert.NoError(t, l.Control(0, "x", StepStatusRunning))
	n, err := l.DataWriter(0, "stdout").Write([]byte("hi"))
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, l.Close())
}
