package portrait

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ExecSource runs an external generator. The command receives
// {"variant","size"} as JSON on stdin and writes an encoded image to stdout.
type ExecSource struct {
	cmd  []string
	size int
}

type execRequest struct {
	Variant string `json:"variant"`
	Size    int    `json:"size"`
}

func NewExecSource(command string, size int) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse portrait command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("portrait command empty")
	}
	return &ExecSource{cmd: args, size: size}, nil
}

func (e *ExecSource) Fetch(ctx context.Context, variant string) (image.Image, error) {
	payload, err := json.Marshal(execRequest{Variant: variant, Size: e.size})
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %w: %s", ErrFetch, err, msg)
		}
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	img, _, err := image.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: decode command output: %w", ErrFetch, err)
	}
	return img, nil
}
