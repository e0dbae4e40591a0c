package predict

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Invocation is one prediction command call.
type Invocation struct {
	ModelPath string
	LayerPath string
	Folder    string
}

// Args returns the positional arguments in the order the command expects.
func (i Invocation) Args() []string {
	return []string{i.ModelPath, i.LayerPath, i.Folder}
}

// Result describes a finished command.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Stderr   string        `json:"stderr,omitempty"` // tail only
}

// ExitError is returned when the command exits non-zero.
type ExitError struct {
	Result *Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("Error occurred in rastervision during prediction task (exit code %d)", e.Result.ExitCode)
}

// Runner executes a prediction invocation and waits for it to finish.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// CommandRunner runs Command with Args followed by the invocation's
// positional arguments.
type CommandRunner struct {
	Command     string
	Args        []string
	StderrLimit int

	// Stdout and Stderr receive the child's output when set.
	Stdout io.Writer
	Stderr io.Writer
}

// Run starts the command and blocks until it exits or ctx is done.
func (r *CommandRunner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	args := make([]string, 0, len(r.Args)+3)
	args = append(args, r.Args...)
	args = append(args, inv.Args()...)

	tail := newTailBuffer(r.StderrLimit)
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Stdout = r.Stdout
	if r.Stderr != nil {
		cmd.Stderr = io.MultiWriter(tail, r.Stderr)
	} else {
		cmd.Stderr = tail
	}

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		ExitCode: -1,
		Duration: time.Since(start),
		Stderr:   tail.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("prediction command interrupted: %w", ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExitError{Result: res}
	}
	return res, fmt.Errorf("starting prediction command: %w", err)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = 4096
	}
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return n, nil
	}
	if over := len(t.buf) + len(p) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
