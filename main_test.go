package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"taskfarm/errs"
)

func TestSplitWords(t *testing.T) {
	words, err := splitWords("Hello, World! hello-again 42x")
	require.NoError(t, err)
	require.Equal(t, []string{"hello", "world", "hello", "again", "42x"}, words)

	words, err = splitWords("  ...  ")
	require.NoError(t, err)
	require.Empty(t, words)
}

func runInProcess(t *testing.T, f runFlags) string {
	t.Helper()
	t.Setenv("TASKFARM_CONFIG", "")
	t.Setenv("TASKFARM_CLUSTER_TMP_DIR", t.TempDir())
	t.Setenv("TASKFARM_LOG_LEVEL", "error")
	f.inProcess = true
	f.processes = 3

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, f))
	return out.String()
}

func TestRunSquares(t *testing.T) {
	want := "0\t0\n1\t1\n2\t4\n3\t9\n4\t16\n"
	require.Equal(t, want, runInProcess(t, runFlags{task: "square", items: 5}))
	require.Equal(t, want, runInProcess(t, runFlags{task: "square", items: 5, stream: true}))
}

func TestRunReciprocalReportsFailedInputs(t *testing.T) {
	out := runInProcess(t, runFlags{task: "reciprocal", items: 3, numerator: 6})
	require.Contains(t, out, "0\terror:")
	require.Contains(t, out, "division by zero")
	require.Contains(t, out, "1\t6\n")
	require.Contains(t, out, "2\t3\n")
}

func TestRunWords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte("The cat\nthe dog\n"), 0o644))

	out := runInProcess(t, runFlags{task: "words", file: path})
	require.Equal(t, "the\t2\ncat\t1\ndog\t1\n", out)
}

func TestBuildJobRejectsUnknownTask(t *testing.T) {
	_, err := buildJob(runFlags{task: "nope"})
	require.True(t, errs.Is(err, errs.ConfigError))

	_, err = buildJob(runFlags{task: "words"})
	require.True(t, errs.Is(err, errs.ConfigError))
}
