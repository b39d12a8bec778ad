package trainer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/signalnine/hporun/internal/params"
)

// Event is one NDJSON line written by an external trainer on stdout.
//
//	{"event":"epoch","epoch":3,"loss":0.41}
//	{"event":"result","loss":0.38}
type Event struct {
	Event string   `json:"event"`
	Epoch int      `json:"epoch,omitempty"`
	Loss  *float64 `json:"loss,omitempty"`
}

const (
	EventEpoch  = "epoch"
	EventResult = "result"
)

var ErrNoLoss = errors.New("trainer reported no loss")

// Command runs an external program per trial. The parameter set is written
// to its stdin as a JSON object; progress and the final loss are read from
// its stdout as Events. Lines that are not Events are logged at debug level.
type Command struct {
	Argv    []string
	Env     map[string]string
	Dir     string
	Timeout time.Duration
	Seed    int64
	Data    *Dataset
	Logger  *slog.Logger
}

func (c *Command) Train(ctx context.Context, p params.Set, r Reporter) (float64, error) {
	epochs, err := epochsOf(p)
	if err != nil {
		return 0, err
	}
	input, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("marshaling params: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(), envSlice(c.Env)...)
	cmd.Env = append(cmd.Env,
		"HPORUN_EPOCHS="+strconv.Itoa(epochs),
		"HPORUN_SEED="+strconv.FormatInt(c.Seed, 10),
	)
	if c.Data != nil {
		cmd.Env = append(cmd.Env, "HPORUN_DATA_NAME="+c.Data.Name, "HPORUN_DATA_DIR="+c.Data.Dir)
	}
	// The trainer and everything it spawns are killed together; WaitDelay
	// bounds the wait for output held open by anything that outlives it.
	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	var stderr tailBuffer
	cmd.Stderr = &stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting trainer: %w", err)
	}

	done := make(chan consumed, 1)
	go func() {
		out := c.consume(pr, r)
		if out.reportErr != nil || out.readErr != nil {
			cancel()
		}
		// Unblocks the stdout copy if consume stopped early.
		pr.CloseWithError(errStopped)
		done <- out
	}()

	waitErr := cmd.Wait()
	pw.Close()
	out := <-done
	reapProcessGroup(cmd)

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		c.logger().Warn("trainer exited with its output still held open", "argv", c.Argv)
		waitErr = nil
	}

	switch {
	case out.reportErr != nil:
		return out.loss.value, out.reportErr
	case ctx.Err() != nil:
		return out.loss.value, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return out.loss.value, fmt.Errorf("trainer timed out after %s", c.Timeout)
	case out.readErr != nil:
		return out.loss.value, fmt.Errorf("reading trainer output: %w", out.readErr)
	case waitErr != nil:
		return out.loss.value, fmt.Errorf("trainer failed: %w: %s", waitErr, stderr.String())
	case !out.loss.set:
		return 0, ErrNoLoss
	}
	return out.loss.value, nil
}

var errStopped = errors.New("trainer output no longer read")

// waitDelay is how long Wait lingers on trainer output after the trainer
// exits or is killed.
var waitDelay = 5 * time.Second

// consumed is what consume saw on stdout. reportErr comes from the reporter
// and is returned unchanged; readErr is a failure reading the stream.
type consumed struct {
	loss      lossValue
	reportErr error
	readErr   error
}

type lossValue struct {
	value float64
	set   bool
}

// consume reads events until EOF, a read error, or the reporter returns an
// error. A result event wins over the last epoch loss.
func (c *Command) consume(stdout io.Reader, r Reporter) consumed {
	var (
		last   lossValue
		result lossValue
	)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Loss == nil {
			c.logger().Debug("trainer output", "line", string(line))
			continue
		}
		switch ev.Event {
		case EventEpoch:
			last = lossValue{value: *ev.Loss, set: true}
			if r != nil {
				if err := r.ReportEpoch(ev.Epoch, *ev.Loss); err != nil {
					return consumed{loss: last, reportErr: err}
				}
			}
		case EventResult:
			result = lossValue{value: *ev.Loss, set: true}
		default:
			c.logger().Debug("unknown trainer event", "event", ev.Event)
		}
	}
	out := consumed{loss: last, readErr: sc.Err()}
	if result.set {
		out.loss = result
	}
	return out
}

// maxLine is the longest stdout line a trainer may write.
const maxLine = 1024 * 1024

// tailBuffer keeps the last 4KiB written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	const limit = 4096
	t.buf = append(t.buf, p...)
	if len(t.buf) > limit {
		t.buf = t.buf[len(t.buf)-limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(bytes.TrimSpace(t.buf))
}

func (c *Command) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
