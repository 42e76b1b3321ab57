package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/squall-dispatch/squall/internal/squallerr"
	"github.com/squall-dispatch/squall/pkg/models"
)

// MaxCLIOutputBytes is the per-stream capture cap for CLI backends (spec §6).
const MaxCLIOutputBytes = 1 * 1024 * 1024

var persistCounter atomic.Uint64

// OutputParser turns a CLI model's raw stdout into review text.
type OutputParser interface {
	Parse(stdout []byte) (string, error)
}

// CLIDispatch runs a model's backing CLI as a subprocess, delivering the
// prompt over stdin and capturing stdout/stderr under a hard byte cap.
type CLIDispatch struct {
	// PersistRaw, when true, writes every CLI invocation's raw stdout/stderr
	// to <workingDirectory>/.squall/raw/ for later debugging.
	PersistRaw bool
}

// QueryModel spawns executable with args (after substituting {model}),
// writes the prompt to stdin, and waits for exit or timeout. On timeout, or
// if either output stream exceeds MaxCLIOutputBytes, the entire process
// group is killed — not just the leader — so CLI tools that fork helper
// processes don't leave orphans behind.
func (d *CLIDispatch) QueryModel(ctx context.Context, req models.DispatchRequest, model models.ModelEntry, provider models.ProviderEntry, parser OutputParser) (models.DispatchOutcome, error) {
	start := time.Now()

	remaining := time.Until(req.Deadline)
	if remaining <= 100*time.Millisecond {
		return errOutcome(model, squallerr.New(squallerr.KindTimeout, provider.Name, "deadline already elapsed", nil)), nil
	}

	args := make([]string, len(provider.ArgsTemplate))
	for i, a := range provider.ArgsTemplate {
		args[i] = strings.ReplaceAll(a, "{model}", model.NativeID)
	}

	cmd := exec.Command(provider.Executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if req.WorkingDirectory != "" {
		cmd.Dir = req.WorkingDirectory
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errOutcome(model, squallerr.New(squallerr.KindSpawnFailed, provider.Name, "could not open stdin pipe", err)), nil
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return errOutcome(model, squallerr.New(squallerr.KindSpawnFailed, provider.Name, "could not open stdout pipe", err)), nil
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return errOutcome(model, squallerr.New(squallerr.KindSpawnFailed, provider.Name, "could not open stderr pipe", err)), nil
	}

	if err := cmd.Start(); err != nil {
		d.maybePersist(req, model, provider, nil, nil, -1, time.Since(start), fmt.Sprintf("spawn_error: %v", err))
		return errOutcome(model, squallerr.New(squallerr.KindSpawnFailed, provider.Name, "could not launch subprocess", err)), nil
	}

	// Writing stdin happens on its own goroutine so a child that echoes
	// output before reading all of stdin can't deadlock against us reading
	// stdout/stderr.
	go func() {
		if req.SystemPrompt != "" {
			stdin.Write([]byte(req.SystemPrompt))
			stdin.Write([]byte("\n\n"))
		}
		stdin.Write([]byte(req.Prompt))
		stdin.Close()
	}()

	type capped struct {
		buf      []byte
		overflow bool
	}
	readCapped := func(r io.Reader) capped {
		limited := io.LimitReader(r, MaxCLIOutputBytes+1)
		buf, _ := io.ReadAll(limited)
		overflow := int64(len(buf)) > MaxCLIOutputBytes
		if overflow {
			// Kill the group now: once we stop reading, the child would
			// block on a full pipe until the deadline.
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return capped{buf: buf, overflow: overflow}
	}

	var stdoutResult, stderrResult capped
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); stdoutResult = readCapped(stdoutPipe) }()
	go func() { defer wg.Done(); stderrResult = readCapped(stderrPipe) }()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-time.After(remaining):
		killGroup(cmd.Process)
		<-done // drain the waiter goroutine; wg already unblocked by pipe EOF after kill
		elapsed := time.Since(start)
		d.maybePersist(req, model, provider, nil, nil, -1, elapsed, "timeout")
		return errOutcome(model, squallerr.New(squallerr.KindTimeout, provider.Name, "subprocess timed out", nil)), nil
	case <-ctx.Done():
		killGroup(cmd.Process)
		<-done
		elapsed := time.Since(start)
		d.maybePersist(req, model, provider, nil, nil, -1, elapsed, "cancelled")
		return errOutcome(model, squallerr.New(squallerr.KindTimeout, provider.Name, "dispatch cancelled", ctx.Err())), nil
	}

	if stdoutResult.overflow || stderrResult.overflow {
		killGroup(cmd.Process)
		elapsed := time.Since(start)
		out := truncate(stdoutResult.buf, MaxCLIOutputBytes)
		errb := truncate(stderrResult.buf, MaxCLIOutputBytes)
		d.maybePersist(req, model, provider, out, errb, -1, elapsed, "output_overflow")
		return errOutcome(model, squallerr.New(squallerr.KindTooLarge, provider.Name,
			fmt.Sprintf("CLI output exceeded %d byte limit", MaxCLIOutputBytes), nil)), nil
	}

	elapsed := time.Since(start)
	exitCode := 0
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		exitCode = -1
	}

	if waitErr != nil {
		d.maybePersist(req, model, provider, stdoutResult.buf, stderrResult.buf, exitCode, elapsed, "process_exit_error")
		return errOutcome(model, squallerr.New(squallerr.KindProcessExit, provider.Name,
			fmt.Sprintf("subprocess exited with status %d", exitCode), nil)), nil
	}

	text, parseErr := parser.Parse(stdoutResult.buf)
	if parseErr != nil {
		d.maybePersist(req, model, provider, stdoutResult.buf, stderrResult.buf, exitCode, elapsed, "parse_error: "+parseErr.Error())
		return errOutcome(model, squallerr.New(squallerr.KindParseError, provider.Name, "could not parse CLI output", parseErr)), nil
	}
	d.maybePersist(req, model, provider, stdoutResult.buf, stderrResult.buf, exitCode, elapsed, "ok")

	return models.DispatchOutcome{
		ModelKey: model.Key, Provider: model.Provider, Backend: model.Backend,
		Status: models.StatusComplete, Text: text, Bytes: len(text),
		ElapsedMS: elapsed.Milliseconds(),
	}, nil
}

// killGroup signals the negative PID — the whole process group — so a CLI
// tool's grandchildren don't survive as orphans: SIGTERM first, then SIGKILL
// if any member of the group is still alive after a 3 s grace period.
func killGroup(p *os.Process) {
	if p == nil {
		return
	}
	const killGrace = 3 * time.Second
	syscall.Kill(-p.Pid, syscall.SIGTERM)
	for deadline := time.Now().Add(killGrace); time.Now().Before(deadline); {
		if syscall.Kill(-p.Pid, 0) != nil {
			return // the group has exited
		}
		time.Sleep(50 * time.Millisecond)
	}
	syscall.Kill(-p.Pid, syscall.SIGKILL)
}

func truncate(b []byte, max int) []byte {
	if len(b) > max {
		return b[:max]
	}
	return b
}

func (d *CLIDispatch) maybePersist(req models.DispatchRequest, model models.ModelEntry, provider models.ProviderEntry, stdout, stderr []byte, exitCode int, elapsed time.Duration, status string) {
	if !d.PersistRaw {
		return
	}
	baseDir := req.WorkingDirectory
	if baseDir == "" {
		baseDir = "."
	}
	go func() {
		if _, err := persistCLIOutput(baseDir, model.Key, provider.Name, stdout, stderr, exitCode, elapsed.Milliseconds(), status); err != nil {
			_ = err // best-effort; dispatch already returned its outcome
		}
	}()
}

// persistCLIOutput writes one raw CLI invocation record to
// <baseDir>/.squall/raw/<ts>_<pid>_<seq>_<model>.json via temp-file-then-rename.
func persistCLIOutput(baseDir, model, provider string, stdout, stderr []byte, exitCode int, timingMS int64, parseStatus string) (string, error) {
	dir := filepath.Join(baseDir, ".squall", "raw")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	ts := time.Now().UnixMilli()
	pid := os.Getpid()
	seq := persistCounter.Add(1)
	safeModel := sanitizeModelName(model)
	if len(safeModel) > 120 {
		safeModel = safeModel[:120]
	}

	filename := fmt.Sprintf("%d_%d_%d_%s.json", ts, pid, seq, safeModel)
	path := filepath.Join(dir, filename)

	payload := map[string]any{
		"model": model, "provider": provider,
		"stdout": string(stdout), "stderr": string(stderr),
		"exit_code": exitCode, "timing_ms": timingMS, "parse_status": parseStatus,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// sanitizeModelName keeps only alphanumerics, '-', '_', and '.' from model,
// so it's always safe as a path component regardless of provider-chosen ids.
func sanitizeModelName(model string) string {
	var b strings.Builder
	for _, r := range model {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
