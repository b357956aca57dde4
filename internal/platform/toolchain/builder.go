// Package toolchain implements the task.Builder contract by driving an
// external packaging command per build kind. The worker pool only depends
// on the Builder interface; this package is the reference collaborator
// used by cmd/server.
package toolchain

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/phrazzld/forge-api/internal/domain"
	"github.com/phrazzld/forge-api/internal/task"
)

// Command placeholders expanded before a toolchain is invoked.
const (
	placeholderInput  = "{input}"
	placeholderOutput = "{output}"
	placeholderTaskID = "{task_id}"
)

// progressPrefix marks stdout lines the toolchain emits to report progress:
//
//	PROGRESS <percent> <message>
const progressPrefix = "PROGRESS "

// Config maps each build kind to the argv template of its toolchain.
type Config struct {
	Commands map[domain.BuildKind][]string
}

// DefaultConfig returns the stock packaging commands. Web bundles are
// tarballs; android and desktop artifacts are zip archives (an apk is a
// zip container).
func DefaultConfig() Config {
	return Config{
		Commands: map[domain.BuildKind][]string{
			domain.BuildKindWeb:     {"tar", "czf", "{output}", "-C", "{input}", "."},
			domain.BuildKindAndroid: {"zip", "-qr", "{output}", "{input}"},
			domain.BuildKindDesktop: {"zip", "-qr", "{output}", "{input}"},
		},
	}
}

// Builder runs external toolchain commands to produce artifacts.
type Builder struct {
	commands map[domain.BuildKind][]string
	logger   *slog.Logger
}

// NewBuilder creates a Builder from the configured command templates.
func NewBuilder(cfg Config, logger *slog.Logger) (*Builder, error) {
	if len(cfg.Commands) == 0 {
		return nil, fmt.Errorf("no toolchain commands configured")
	}
	for kind, argv := range cfg.Commands {
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty toolchain command for kind %q", kind)
		}
	}
	return &Builder{
		commands: cfg.Commands,
		logger:   logger.With("component", "toolchain_builder"),
	}, nil
}

// Build implements task.Builder. It expands the command template for the
// spec's kind, streams PROGRESS lines from the toolchain's stdout into the
// sink, and verifies the artifact exists before reporting success.
func (b *Builder) Build(ctx context.Context, spec domain.TaskSpec, sink task.ProgressSink) (domain.Result, error) {
	template, ok := b.commands[spec.Kind]
	if !ok {
		return domain.Result{}, fmt.Errorf("no toolchain configured for kind %q", spec.Kind)
	}

	artifactPath := filepath.Join(
		spec.OutputDir,
		domain.ArtifactFileName(spec.Name, spec.ID, spec.Kind.ArtifactExt()),
	)

	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		return domain.Result{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	argv := expandTemplate(template, spec, artifactPath)

	logger := b.logger.With("task_id", spec.ID, "task_kind", spec.Kind)
	logger.Debug("invoking toolchain", "command", argv[0])

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.Result{}, fmt.Errorf("failed to open toolchain stdout: %w", err)
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return domain.Result{}, fmt.Errorf("failed to start toolchain: %w", err)
	}

	b.relayProgress(stdout, sink, logger)

	if err := cmd.Wait(); err != nil {
		msg := fmt.Sprintf("toolchain exited with error: %v", err)
		if tail := stderr.String(); tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, tail)
		}
		return domain.Result{Success: false, Error: msg}, nil
	}

	if _, err := os.Stat(artifactPath); err != nil {
		return domain.Result{
			Success: false,
			Error:   fmt.Sprintf("toolchain succeeded but produced no artifact at expected path: %v", err),
		}, nil
	}

	return domain.Result{Success: true, ArtifactPath: artifactPath}, nil
}

// relayProgress scans stdout and forwards PROGRESS lines into the sink.
func (b *Builder) relayProgress(stdout io.Reader, sink task.ProgressSink, logger *slog.Logger) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, progressPrefix) {
			logger.Debug("toolchain output", "line", line)
			continue
		}

		rest := strings.TrimPrefix(line, progressPrefix)
		fields := strings.SplitN(rest, " ", 2)
		percent, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			logger.Debug("unparseable progress line", "line", line)
			continue
		}
		message := ""
		if len(fields) == 2 {
			message = strings.TrimSpace(fields[1])
		}
		sink(message, percent)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("error reading toolchain output", "error", err)
	}
}

// expandTemplate substitutes spec values into an argv template.
func expandTemplate(template []string, spec domain.TaskSpec, artifactPath string) []string {
	argv := make([]string, len(template))
	for i, arg := range template {
		arg = strings.ReplaceAll(arg, placeholderInput, spec.InputRef)
		arg = strings.ReplaceAll(arg, placeholderOutput, artifactPath)
		arg = strings.ReplaceAll(arg, placeholderTaskID, spec.ID)
		argv[i] = arg
	}
	return argv
}

// tailBuffer keeps only the last chunk of what was written to it, so a
// noisy toolchain cannot bloat failure messages.
type tailBuffer struct {
	buf []byte
}

const tailBufferMax = 2048

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailBufferMax {
		t.buf = t.buf[len(t.buf)-tailBufferMax:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}
