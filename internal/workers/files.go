package workers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/valet/internal/tools"
)

// maxWorkerFileSize caps both writes and reads at 100 KiB.
const maxWorkerFileSize = 100 * 1024

// reservedNames are runtime-owned files a worker may not overwrite.
var reservedNames = map[string]bool{
	"status.json": true,
	"task.md":     true,
	"steering.md": true,
}

// validateFilename enforces the scoping rules for worker file access: plain
// names only, nothing that could escape the worker directory.
func validateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename is empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("filename exceeds 255 characters")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("filename must not contain path separators")
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("filename must not start with a dot")
	}
	return nil
}

// fileTools builds the write_file and read_file tools scoped to workerDir.
// Every worker gets these regardless of its requested tool set.
func fileTools(workerDir string) []*tools.Tool {
	writeTool := &tools.Tool{
		Name:        "write_file",
		Description: "Write a file in your working directory. Overwrites if the file exists. Write your final output to result.md.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename": map[string]any{"type": "string", "description": "Plain filename, no directories"},
				"content":  map[string]any{"type": "string"},
			},
			"required": []string{"filename", "content"},
		},
		Execute: func(ctx context.Context, args map[string]any) *tools.Result {
			name, _ := args["filename"].(string)
			content, _ := args["content"].(string)
			if err := validateFilename(name); err != nil {
				return tools.ErrorResult(err.Error())
			}
			if reservedNames[name] {
				return tools.ErrorResult(fmt.Sprintf("%s is managed by the runtime and cannot be written", name))
			}
			if len(content) > maxWorkerFileSize {
				return tools.ErrorResult(fmt.Sprintf("content exceeds the %d byte limit", maxWorkerFileSize))
			}
			if err := os.WriteFile(filepath.Join(workerDir, name), []byte(content), 0o644); err != nil {
				return tools.ErrorResult(fmt.Sprintf("write failed: %v", err))
			}
			return tools.NewResult(fmt.Sprintf("wrote %s (%d bytes)", name, len(content)))
		},
	}

	readTool := &tools.Tool{
		Name:        "read_file",
		Description: "Read a file from your working directory. Check steering.md periodically for updated guidance.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename": map[string]any{"type": "string", "description": "Plain filename, no directories"},
			},
			"required": []string{"filename"},
		},
		Execute: func(ctx context.Context, args map[string]any) *tools.Result {
			name, _ := args["filename"].(string)
			if err := validateFilename(name); err != nil {
				return tools.ErrorResult(err.Error())
			}
			data, err := os.ReadFile(filepath.Join(workerDir, name))
			if os.IsNotExist(err) {
				return tools.ErrorResult(fmt.Sprintf("%s does not exist", name))
			}
			if err != nil {
				return tools.ErrorResult(fmt.Sprintf("read failed: %v", err))
			}
			if len(data) > maxWorkerFileSize {
				data = data[:maxWorkerFileSize]
			}
			return tools.NewResult(string(data))
		},
	}

	return []*tools.Tool{writeTool, readTool}
}
