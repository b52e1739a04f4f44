package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/yeraldinm/containerization-sub002/agent"
	"github.com/yeraldinm/containerization-sub002/sandbox"
	"github.com/yeraldinm/containerization-sub002/shared/logger"
)

type cmdExec struct {
	global *cmdGlobal

	flagID       string
	flagTerminal bool
	flagCwd      string
	flagEnv      []string
}

func (c *cmdExec) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "exec [flags] <container> -- <command> [args...]"
	cmd.Short = "Run an additional command in a running sandbox"
	cmd.Args = cobra.MinimumNArgs(2)
	cmd.RunE = c.run

	cmd.Flags().StringVar(&c.flagID, "id", "", "Exec identifier (random if unset)")
	cmd.Flags().BoolVarP(&c.flagTerminal, "terminal", "t", false, "Allocate a terminal for the command")
	cmd.Flags().StringVar(&c.flagCwd, "cwd", "", "Working directory inside the sandbox")
	cmd.Flags().StringArrayVar(&c.flagEnv, "env", nil, "Environment variables to set (KEY=VALUE)")

	return cmd
}

func (c *cmdExec) run(cmd *cobra.Command, args []string) error {
	runtime, err := activeRuntime()
	if err != nil {
		return err
	}

	container, err := runtime.Get(args[0])
	if err != nil {
		return fmt.Errorf("Failed to find container %q: %w", args[0], err)
	}

	execID := c.flagID
	if execID == "" {
		execID = uuid.NewString()
	}

	spec := agent.ProcessSpec{
		Args:     args[1:],
		Env:      c.flagEnv,
		Cwd:      c.flagCwd,
		Terminal: c.flagTerminal,
	}

	streams := sandbox.StdioStreams{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
	}

	if !c.flagTerminal {
		streams.Stderr = os.Stderr
	}

	ctx := context.Background()

	process, err := container.Exec(ctx, execID, spec, streams)
	if err != nil {
		return err
	}

	if c.flagTerminal {
		forwardResize(ctx, process)
	}

	code, err := process.Wait(ctx)
	if err != nil {
		return err
	}

	err = process.Delete(ctx)
	if err != nil {
		logger.Warn("Failed to delete exec'd process", logger.Ctx{"id": execID, "err": err})
	}

	if code != 0 {
		return fmt.Errorf("Command exited with status %d", code)
	}

	return nil
}

// forwardResize pushes the local terminal size into the guest process, once
// at start and again on every SIGWINCH.
func forwardResize(ctx context.Context, process *sandbox.Process) {
	push := func() {
		size, err := pty.GetsizeFull(os.Stdin)
		if err != nil {
			return
		}

		err = process.Resize(ctx, uint32(size.Cols), uint32(size.Rows))
		if err != nil {
			logger.Debug("Failed to push terminal size", logger.Ctx{"err": err})
		}
	}

	push()

	resized := make(chan os.Signal, 1)
	signal.Notify(resized, unix.SIGWINCH)

	go func() {
		for range resized {
			push()
		}
	}()
}
