package models

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// ProcessRuntime runs each loaded model as a helper process speaking
// line-delimited JSON over stdin/stdout. The helper owns the actual
// inference engine; device and precision are passed as flags so load
// failures surface here as process startup errors.
type ProcessRuntime struct {
	command  string
	modelDir string
}

func NewProcessRuntime(command, modelDir string) *ProcessRuntime {
	return &ProcessRuntime{command: command, modelDir: modelDir}
}

func (r *ProcessRuntime) Load(ctx context.Context, modelID string, opts LoadOptions) (Handle, error) {
	args := []string{
		"--model", filepath.Join(r.modelDir, modelID),
		"--device", string(opts.Device),
		"--precision", string(opts.Precision),
	}
	if opts.ClearCache {
		args = append(args, "--no-cache")
	}

	cmd := exec.Command(r.command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin for %s: %w", modelID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout for %s: %w", modelID, err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s for %s: %w", r.command, modelID, err)
	}

	h := &processHandle{
		modelID: modelID,
		cmd:     cmd,
		stdin:   stdin,
		scanner: bufio.NewScanner(stdout),
	}

	// The helper prints one ready line once weights are on the device.
	// Anything else means the load failed; stderr carries the reason so
	// precision incompatibilities stay recognizable.
	readyErr := make(chan error, 1)
	go func() {
		if !h.scanner.Scan() {
			readyErr <- fmt.Errorf("load %s: %s", modelID, strings.TrimSpace(stderr.String()))
			return
		}
		var ready struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(h.scanner.Bytes(), &ready); err != nil || ready.Status != "ready" {
			msg := ready.Error
			if msg == "" {
				msg = strings.TrimSpace(stderr.String())
			}
			readyErr <- fmt.Errorf("load %s: %s", modelID, msg)
			return
		}
		readyErr <- nil
	}()

	select {
	case err := <-readyErr:
		if err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return nil, err
		}
		return h, nil
	case <-ctx.Done():
		cmd.Process.Kill()
		cmd.Wait()
		return nil, ctx.Err()
	}
}

type processHandle struct {
	modelID string
	cmd     *exec.Cmd
	stdin   interface {
		Write([]byte) (int, error)
		Close() error
	}
	scanner *bufio.Scanner

	mu     sync.Mutex
	closed bool
}

type inferenceRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type inferenceResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func (h *processHandle) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return "", fmt.Errorf("model %s is closed", h.modelID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	req, err := json.Marshal(inferenceRequest{Text: text, Source: sourceLang, Target: targetLang})
	if err != nil {
		return "", err
	}
	if _, err := h.stdin.Write(append(req, '\n')); err != nil {
		return "", fmt.Errorf("write to %s: %w", h.modelID, err)
	}

	if !h.scanner.Scan() {
		if err := h.scanner.Err(); err != nil {
			return "", fmt.Errorf("read from %s: %w", h.modelID, err)
		}
		return "", fmt.Errorf("model %s exited unexpectedly", h.modelID)
	}

	var resp inferenceResponse
	if err := json.Unmarshal(h.scanner.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode response from %s: %w", h.modelID, err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("model %s: %s", h.modelID, resp.Error)
	}

	return resp.Text, nil
}

func (h *processHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	h.stdin.Close()
	return h.cmd.Wait()
}
