package workers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		wantErr bool
	}{
		{"plain name", "result.md", false},
		{"empty", "", true},
		{"slash", "sub/dir.md", true},
		{"backslash", `sub\dir.md`, true},
		{"dotfile", ".env", true},
		{"traversal", "../escape.md", true},
		{"too long", strings.Repeat("a", 256), true},
		{"exactly 255", strings.Repeat("a", 255), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFilename(tt.file)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWriteFileTool(t *testing.T) {
	dir := t.TempDir()
	var write, read = fileTools(dir)[0], fileTools(dir)[1]
	ctx := context.Background()

	res := write.Execute(ctx, map[string]any{"filename": "notes.md", "content": "hello"})
	require.False(t, res.IsError, res.ForLLM)

	data, err := os.ReadFile(filepath.Join(dir, "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	res = read.Execute(ctx, map[string]any{"filename": "notes.md"})
	require.False(t, res.IsError)
	assert.Equal(t, "hello", res.ForLLM)
}

func TestWriteFileToolRejectsReservedNames(t *testing.T) {
	dir := t.TempDir()
	write := fileTools(dir)[0]
	ctx := context.Background()

	for _, name := range []string{"status.json", "task.md", "steering.md"} {
		res := write.Execute(ctx, map[string]any{"filename": name, "content": "x"})
		assert.True(t, res.IsError, "%s must not be writable by the worker", name)
	}
}

func TestReadFileToolAllowsSteering(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "steering.md"), []byte("focus on pricing"), 0o644))

	read := fileTools(dir)[1]
	res := read.Execute(context.Background(), map[string]any{"filename": "steering.md"})
	require.False(t, res.IsError)
	assert.Equal(t, "focus on pricing", res.ForLLM)
}

func TestReadFileToolMissing(t *testing.T) {
	read := fileTools(t.TempDir())[1]
	res := read.Execute(context.Background(), map[string]any{"filename": "nope.md"})
	assert.True(t, res.IsError)
}

func TestWriteFileToolSizeCap(t *testing.T) {
	write := fileTools(t.TempDir())[0]
	big := strings.Repeat("x", maxWorkerFileSize+1)
	res := write.Execute(context.Background(), map[string]any{"filename": "big.md", "content": big})
	assert.True(t, res.IsError)
}

func TestWriteFileToolEscapeAttempts(t *testing.T) {
	write := fileTools(t.TempDir())[0]
	for _, name := range []string{"../../etc/passwd", "/etc/passwd", ".hidden"} {
		res := write.Execute(context.Background(), map[string]any{"filename": name, "content": "x"})
		assert.True(t, res.IsError, name)
	}
}
