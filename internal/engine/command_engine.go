package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CommandEngine drives an external converter executable (the vendor
// toolkit's CLI). The orchestration core treats it as a black box: inputs and
// options go in through a JSON config file, progress comes back as
// "progress <n>" lines on stdout, and cancellation kills the process.
type CommandEngine struct {
	binary string
}

var _ Engine = (*CommandEngine)(nil)

func NewCommandEngine(binary string) (*CommandEngine, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("converter binary %q not found: %w", binary, err)
	}
	return &CommandEngine{binary: path}, nil
}

type commandConfig struct {
	Format  string            `json:"format"`
	Files   map[string]string `json:"files"`
	Shards  []string          `json:"shards,omitempty"`
	Output  string            `json:"output"`
	Options json.RawMessage   `json:"options"`
}

func (e *CommandEngine) Convert(ctx context.Context, req ConvertRequest, onProgress func(percent int)) error {
	opts, err := json.Marshal(req.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal conversion options: %w", err)
	}

	cfg := commandConfig{
		Format:  string(req.Bundle.Format),
		Files:   req.Bundle.Roles,
		Shards:  req.Bundle.Shards,
		Output:  req.OutputPath,
		Options: opts,
	}

	cfgPath := filepath.Join(filepath.Dir(req.OutputPath), "convert_config.json")
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal converter config: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write converter config: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.binary, "--config", cfgPath)
	// The converter is typically a wrapper script that spawns the real
	// toolkit process; killing only the direct child would leave a grandchild
	// holding our stdout pipe open. Run it in its own process group and take
	// the whole group down on cancel, with WaitDelay as a backstop so Wait
	// cannot block past cancellation.
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return terminateProcessGroup(cmd) }
	cmd.WaitDelay = 3 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open converter stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start converter: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if pct, ok := strings.CutPrefix(line, "progress "); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(pct)); err == nil {
				onProgress(n)
			}
			continue
		}
		if line != "" {
			slog.Debug("converter output", "line", line)
		}
	}

	scanErr := scanner.Err()
	if scanErr != nil {
		// Keep draining so the process cannot block on a full pipe.
		io.Copy(io.Discard, stdout) //nolint:errcheck
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if scanErr != nil {
		return fmt.Errorf("failed reading converter output: %w", scanErr)
	}
	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		return &ConversionError{Detail: detail}
	}

	if _, err := os.Stat(req.OutputPath); err != nil {
		return &ConversionError{Detail: fmt.Sprintf("converter exited cleanly but produced no output at %s", req.OutputPath)}
	}

	return nil
}
