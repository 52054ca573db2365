// Package blender launches the host binary for one-shot validation runs.
package blender

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dukex/aether/pkg/models"
)

// Stream names for log lines.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

const maxLineSize = 1 << 20

// Options configures one host process.
type Options struct {
	BlenderPath string
	Mode        string
	HarnessPath string
	AddonPath   string
	Dir         string
}

// LogLine is one line of host output.
type LogLine struct {
	Stream    string
	Line      string
	Timestamp time.Time
}

// Result describes how the process ended.
type Result struct {
	OK       bool
	ExitCode int
	Signal   string
	Err      error
	Command  string
	Args     []string
}

// BuildArgs returns the host arguments: the harness script, then the addon path after "--".
// Headless mode adds -b.
func BuildArgs(mode, harnessPath, addonPath string) []string {
	harness, _ := filepath.Abs(harnessPath)
	addon, _ := filepath.Abs(addonPath)

	args := []string{"-P", harness, "--", addon}
	if mode == models.RunModeGUI {
		return args
	}

	return append([]string{"-b"}, args...)
}

// Process is a running host binary.
type Process struct {
	cmd     *exec.Cmd
	done    chan Result
	Command string
	Args    []string
	PID     int
}

// Start launches the host. onLog receives every output line and may be called from two
// goroutines at once.
func Start(opts Options, onLog func(LogLine)) (*Process, error) {
	args := BuildArgs(opts.Mode, opts.HarnessPath, opts.AddonPath)

	cmd := exec.Command(opts.BlenderPath, args...)
	cmd.Dir = opts.Dir
	configureProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.BlenderPath, err)
	}

	p := &Process{
		cmd:     cmd,
		done:    make(chan Result, 1),
		Command: strings.Join(append([]string{opts.BlenderPath}, args...), " "),
		Args:    args,
		PID:     cmd.Process.Pid,
	}

	var wg sync.WaitGroup

	wg.Add(2)

	go p.pump(&wg, stdout, StreamStdout, onLog)
	go p.pump(&wg, stderr, StreamStderr, onLog)

	go func() {
		wg.Wait()

		p.done <- p.result(cmd.Wait())
		close(p.done)
	}()

	return p, nil
}

func (p *Process) pump(wg *sync.WaitGroup, r io.Reader, stream string, onLog func(LogLine)) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		if onLog != nil {
			onLog(LogLine{
				Stream:    stream,
				Line:      strings.TrimRight(scanner.Text(), "\r"),
				Timestamp: time.Now().UTC(),
			})
		}
	}

	// Drain so the process never blocks on a full pipe after an oversized line.
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) result(err error) Result {
	res := Result{Command: p.Command, Args: p.Args}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		res.Err = err
		res.ExitCode = -1

		return res
	}

	state := p.cmd.ProcessState
	res.ExitCode = state.ExitCode()
	res.OK = state.Success()

	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		res.Signal = status.Signal().String()
	}

	return res
}

// Done delivers the result once the process has exited and its output is drained.
func (p *Process) Done() <-chan Result {
	return p.done
}

// Terminate signals the whole process group.
func (p *Process) Terminate() {
	terminateProcess(p.cmd)
}

// Info describes a launched process.
type Info struct {
	PID     int
	Command string
	Args    []string
}

// Info returns the launch details reported in run events.
func (p *Process) Info() Info {
	return Info{PID: p.PID, Command: p.Command, Args: p.Args}
}
