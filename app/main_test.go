package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/noteboard/app/store"
)

func Test_makeIdentity(t *testing.T) {
	opts.User = "test"
	assert.Equal(t, "test", makeIdentity())

	opts.User = ""
	assert.NotEmpty(t, makeIdentity())
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	opts.Log.Enabled = true
	opts.Log.Filename = tmpfile.Name()
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile.Name(), logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_titleContent(t *testing.T) {
	tests := []struct {
		name          string
		args          []string
		title, body   string
		expectedError bool
	}{
		{"title only", []string{"standup"}, "standup", "", false},
		{"title and content", []string{"standup", "went", "fine"}, "standup", "went fine", false},
		{"no args", []string{}, "", "", true},
		{"blank title", []string{"  "}, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, content, err := titleContent(tt.args)
			if tt.expectedError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.title, title)
			assert.Equal(t, tt.body, content)
		})
	}
}

func Test_parseID(t *testing.T) {
	id, err := parseID([]string{"42"}, 0, "note id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = parseID([]string{}, 0, "note id")
	assert.Error(t, err)

	_, err = parseID([]string{"abc"}, 0, "note id")
	assert.Error(t, err)
}

func Test_run(t *testing.T) {
	conn := store.NewConnector(filepath.Join(t.TempDir(), "notes.db"),
		store.Params{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond})
	repo := store.NewRepository(conn)
	defer repo.Close()

	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx))
	opts.User = "tester"

	require.NoError(t, run(ctx, conn, repo, []string{"add-company", "acme"}))
	require.NoError(t, run(ctx, conn, repo, []string{"add-board", "1", "general"}))
	require.NoError(t, run(ctx, conn, repo, []string{"add-note", "1", "standup", "all", "good"}))
	require.NoError(t, run(ctx, conn, repo, []string{"show", "1"}))
	require.NoError(t, run(ctx, conn, repo, []string{"lock", "1"}))
	require.NoError(t, run(ctx, conn, repo, []string{"who", "1"}))
	require.NoError(t, run(ctx, conn, repo, []string{"unlock", "1"}))
	require.NoError(t, run(ctx, conn, repo, []string{"reset"}))

	assert.Error(t, run(ctx, conn, repo, []string{}))
	assert.Error(t, run(ctx, conn, repo, []string{"bogus"}))
	assert.Error(t, run(ctx, conn, repo, []string{"add-note", "1", ""}))
}
