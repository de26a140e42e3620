// Package pipeline chains zero or more filter executables into a
// shell-style pipeline: the first process reads a body handle, each
// subsequent process reads the previous one's output, and the last
// process's output becomes the replacement body handle.
package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"

	"github.com/rzezeski/smtprelay/internal/body"
)

// Command is a single filter's argv vector: Command[0] is the binary,
// Command[1:] are its arguments.
type Command []string

// Run feeds in (rewound to zero) through the chain of filter commands and
// returns a fresh body.Handle holding the last filter's standard output.
// An empty chain is the identity: in is returned unchanged. Run only
// returns once every filter has exited; success requires every one of them
// to exit zero, per the pipeline contract.
func Run(chain []Command, in *body.Handle) (*body.Handle, error) {
	if len(chain) == 0 {
		return in, nil
	}

	if err := in.Reset(); err != nil {
		return nil, fmt.Errorf("pipeline: rewinding input: %v", err)
	}

	cmds := make([]*exec.Cmd, len(chain))
	for i, c := range chain {
		if len(c) == 0 {
			return nil, fmt.Errorf("pipeline: empty filter command at position %d", i)
		}
		cmds[i] = exec.Command(c[0], c[1:]...)
	}

	// Wire stdin/stdout directly between adjacent processes via OS pipes,
	// so intermediate stages never pass through user space. The first
	// stage reads from the captured body; a dedicated goroutine feeds it,
	// since we can't hand it an *os.File directly once it's mid-pipeline
	// (its own Reset/streaming lifecycle is ours to manage).
	firstIn, err := cmds[0].StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pipeline: stage 0 stdin: %v", err)
	}

	for i := 1; i < len(cmds); i++ {
		out, err := cmds[i-1].StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("pipeline: stage %d stdout: %v", i-1, err)
		}
		cmds[i].Stdin = out
	}

	out, err := body.New()
	if err != nil {
		return nil, fmt.Errorf("pipeline: output sink: %v", err)
	}
	cmds[len(cmds)-1].Stdout = out

	stderrs := make([]bytes.Buffer, len(cmds))
	for i, cmd := range cmds {
		cmd.Stderr = &stderrs[i]
		if err := cmd.Start(); err != nil {
			// Stop and reap the stages already running, so none of them
			// is left blocked on a pipe nobody will close.
			for _, started := range cmds[:i] {
				started.Process.Kill()
				started.Wait()
			}
			out.Close()
			return nil, fmt.Errorf("pipeline: starting stage %d (%v): %v", i, chain[i], err)
		}
	}

	// The feeder runs concurrently with the wait loop below, so a body
	// larger than the first pipe's buffer can't deadlock the pipeline.
	feedErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(firstIn, in)
		closeErr := firstIn.Close()
		if err == nil {
			err = closeErr
		}
		feedErr <- err
	}()

	var waitErr error
	for i, cmd := range cmds {
		if err := cmd.Wait(); err != nil && waitErr == nil {
			waitErr = fmt.Errorf("pipeline: stage %d (%v): %v - %q",
				i, chain[i], err, stderrs[i].String())
		}
	}

	if err := <-feedErr; err != nil && waitErr == nil {
		waitErr = fmt.Errorf("pipeline: feeding input: %v", err)
	}

	if waitErr != nil {
		out.Close()
		return nil, waitErr
	}

	if err := out.Reset(); err != nil {
		out.Close()
		return nil, fmt.Errorf("pipeline: rewinding output: %v", err)
	}

	return out, nil
}
