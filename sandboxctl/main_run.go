package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yeraldinm/containerization-sub002/sandbox"
	"github.com/yeraldinm/containerization-sub002/shared/logger"
	"github.com/yeraldinm/containerization-sub002/vm"
)

// vmBackend is the hypervisor capability the run and exec commands drive.
// Backends register themselves at build time; without one, the commands
// report the missing capability instead of panicking.
var vmBackend vm.Manager

// The runtime is shared across commands so exec can find containers by id.
var (
	runtimeOnce   sync.Once
	sharedRuntime *sandbox.Runtime
)

func activeRuntime() (*sandbox.Runtime, error) {
	if vmBackend == nil {
		return nil, fmt.Errorf("No hypervisor backend is linked into this build")
	}

	runtimeOnce.Do(func() {
		sharedRuntime = sandbox.NewRuntime(vmBackend)
	})

	return sharedRuntime, nil
}

type cmdRun struct {
	global *cmdGlobal

	flagID       string
	flagRootfs   string
	flagTerminal bool
	flagHostname string
}

func (c *cmdRun) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "run [flags] -- <command> [args...]"
	cmd.Short = "Run a command in a fresh sandbox"
	cmd.RunE = c.run

	cmd.Flags().StringVar(&c.flagID, "id", "", "Container identifier (random if unset)")
	cmd.Flags().StringVar(&c.flagRootfs, "rootfs", "", "Root filesystem block image")
	cmd.Flags().BoolVarP(&c.flagTerminal, "terminal", "t", false, "Allocate a terminal for the command")
	cmd.Flags().StringVar(&c.flagHostname, "hostname", "", "Sandbox hostname")

	return cmd
}

func (c *cmdRun) run(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("Missing command to run")
	}

	if c.flagRootfs == "" {
		return fmt.Errorf("Missing --rootfs")
	}

	if c.global.config.Kernel == "" {
		return fmt.Errorf("Missing kernel image (use --kernel or the configuration file)")
	}

	runtime, err := activeRuntime()
	if err != nil {
		return err
	}

	id := c.flagID
	if id == "" {
		id = uuid.NewString()
	}

	config := sandbox.Config{
		Kernel:            c.global.config.Kernel,
		BootlogPath:       c.global.config.Bootlog,
		InitialFilesystem: vm.BlockDevice{Path: c.global.config.InitialFilesystem, ReadOnly: true},
		Rootfs:            vm.BlockDevice{Path: c.flagRootfs},
		Args:              args,
		Hostname:          c.flagHostname,
		Terminal:          c.flagTerminal,
		Stdio: sandbox.StdioStreams{
			Stdin:  os.Stdin,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		},
	}

	ctx := context.Background()

	container, err := runtime.Create(ctx, id, config)
	if err != nil {
		return err
	}

	defer func() {
		err := container.Stop(context.Background())
		if err != nil {
			logger.Warn("Failed to stop container", logger.Ctx{"container": id, "err": err})
		}
	}()

	err = container.Start(ctx)
	if err != nil {
		return err
	}

	if c.flagTerminal {
		forwardResize(ctx, container.Init())
	}

	code, err := container.Wait(ctx)
	if err != nil {
		return err
	}

	if code != 0 {
		return fmt.Errorf("Command exited with status %d", code)
	}

	return nil
}
