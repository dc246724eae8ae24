package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"orderline/internal/domain"
)

// Shell runs the order description as a shell command. It is the reference
// Executor used by "ol run"; re-invoking it for the same order re-runs the
// command, so commands should be idempotent.
type Shell struct {
	// Dir is the working directory for commands; empty means inherited.
	Dir string
	Now func() time.Time
}

func (s Shell) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Shell) Execute(ctx context.Context, order domain.Order) (domain.ExecutionResult, error) {
	start := s.now()
	cmd := exec.CommandContext(ctx, "sh", "-c", order.Description)
	cmd.Dir = s.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := s.now().Sub(start)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	res := domain.ExecutionResult{
		OrderID:     order.ID,
		Success:     runErr == nil,
		ElapsedMs:   elapsed.Milliseconds(),
		Environment: runtime.GOOS,
		Output: map[string]any{
			"result":    strings.TrimRight(stdout.String(), "\n"),
			"exit_code": float64(exitCode),
		},
		Logs: collectLogs(s.now(), stdout.Bytes(), stderr.Bytes(), runErr),
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("command timed out: %w", ctx.Err())
	}
	if runErr != nil {
		return res, fmt.Errorf("command failed: %w", runErr)
	}
	return res, nil
}

func collectLogs(now time.Time, stdout, stderr []byte, runErr error) []domain.LogLine {
	ts := now.UTC().Format(time.RFC3339)
	var logs []domain.LogLine
	scan := func(data []byte, level string) {
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			logs = append(logs, domain.LogLine{TS: ts, Level: level, Message: line})
		}
	}
	scan(stdout, "info")
	scan(stderr, "warn")
	if runErr != nil {
		logs = append(logs, domain.LogLine{TS: ts, Level: "error", Message: runErr.Error()})
	}
	return logs
}
