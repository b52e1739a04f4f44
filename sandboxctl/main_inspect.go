package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/yeraldinm/containerization-sub002/ext4"
)

type cmdInspect struct {
	global *cmdGlobal

	flagHardlinks bool
	flagXattrs    bool
}

func (c *cmdInspect) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "inspect [flags] <image>"
	cmd.Short = "Inspect an ext4 root filesystem image"
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = c.run

	cmd.Flags().BoolVar(&c.flagHardlinks, "hardlinks", false, "Show hardlinked paths")
	cmd.Flags().BoolVar(&c.flagXattrs, "xattrs", false, "Show extended attributes")

	return cmd
}

func (c *cmdInspect) run(cmd *cobra.Command, args []string) error {
	reader, err := ext4.Open(args[0])
	if err != nil {
		return err
	}

	defer func() { _ = reader.Close() }()

	nodes := reader.Nodes()
	paths := make([]string, 0, len(nodes))
	for i := range nodes {
		paths = append(paths, reader.Path(&nodes[i]))
	}

	sort.Strings(paths)

	for _, path := range paths {
		node, err := reader.Lookup(path)
		if err != nil {
			return err
		}

		fmt.Printf("%s (inode %d)\n", path, node.Inode)

		if c.flagXattrs {
			attrs, err := reader.Xattrs(node.Inode)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(attrs))
			for name := range attrs {
				names = append(names, name)
			}

			sort.Strings(names)

			for _, name := range names {
				fmt.Printf("  %s=%q\n", name, attrs[name])
			}
		}
	}

	if c.flagHardlinks {
		links := reader.Hardlinks()

		paths := make([]string, 0, len(links))
		for path := range links {
			paths = append(paths, path)
		}

		sort.Strings(paths)

		for _, path := range paths {
			fmt.Printf("%s -> inode %d\n", path, links[path])
		}
	}

	return nil
}
