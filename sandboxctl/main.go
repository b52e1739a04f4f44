package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yeraldinm/containerization-sub002/shared/logger"
)

type cmdGlobal struct {
	flagHelp    bool
	flagDebug   bool
	flagVerbose bool
	flagConfig  string
	flagKernel  string
	flagBootlog string

	config *ctlConfig
}

func (c *cmdGlobal) run(_ *cobra.Command, _ []string) error {
	logger.InitLogger(c.flagVerbose, c.flagDebug)

	config, err := loadConfig(c.flagConfig)
	if err != nil {
		return err
	}

	// Command line flags override the configuration file.
	if c.flagKernel != "" {
		config.Kernel = c.flagKernel
	}

	if c.flagBootlog != "" {
		config.Bootlog = c.flagBootlog
	}

	c.config = config

	return nil
}

func main() {
	globalCmd := cmdGlobal{}

	app := &cobra.Command{}
	app.Use = "sandboxctl"
	app.Short = "Manage lightweight Linux sandboxes"
	app.Long = `Description:
  Manage lightweight Linux sandboxes

  This tool boots lightweight Linux VMs around container root filesystems,
  launches processes inside them and relays their standard streams.
`
	app.SilenceUsage = true
	app.SilenceErrors = true
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}

	app.PersistentFlags().BoolVar(&globalCmd.flagDebug, "debug", false, "Show all debug messages")
	app.PersistentFlags().BoolVarP(&globalCmd.flagVerbose, "verbose", "v", false, "Show all information messages")
	app.PersistentFlags().StringVar(&globalCmd.flagConfig, "config", "", "Configuration file path")
	app.PersistentFlags().StringVar(&globalCmd.flagKernel, "kernel", "", "Kernel image path")
	app.PersistentFlags().StringVar(&globalCmd.flagBootlog, "bootlog", "", "Boot log destination path")

	app.PersistentPreRunE = globalCmd.run

	runCmd := cmdRun{global: &globalCmd}
	app.AddCommand(runCmd.command())

	execCmd := cmdExec{global: &globalCmd}
	app.AddCommand(execCmd.command())

	inspectCmd := cmdInspect{global: &globalCmd}
	app.AddCommand(inspectCmd.command())

	err := app.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
