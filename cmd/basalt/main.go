// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Command basalt inspects tablet directories.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/basaltdb/basalt"
	"github.com/basaltdb/basalt/vfs"
)

func main() {
	root := &cobra.Command{
		Use:   "basalt",
		Short: "inspect basalt tablet directories",
	}
	root.AddCommand(dumpCmd(), layoutCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openTablet(dir string) (*basalt.Tablet, error) {
	meta, err := basalt.LoadTabletMetadata(vfs.Default, dir)
	if err != nil {
		return nil, err
	}
	return basalt.Open(meta, &basalt.Options{})
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <tablet-dir>",
		Short: "print every row of a tablet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTablet(args[0])
			if err != nil {
				return err
			}
			var lines []string
			if err := t.DebugDump(&lines); err != nil {
				return err
			}
			for _, l := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), l)
			}
			return nil
		},
	}
}

func layoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layout <tablet-dir>",
		Short: "print a tablet's rowset layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTablet(args[0])
			if err != nil {
				return err
			}
			t.PrintRowSetLayout(cmd.OutOrStdout())
			return nil
		},
	}
}
