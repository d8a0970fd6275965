package main

import (
	"fmt"
	"path/filepath"

	"github.com/snarg/conjunx/internal/archive"
	"github.com/spf13/cobra"
)

func newPackCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "pack DIR",
		Short: "Bundle a directory of transcripts and videos into an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = filepath.Base(filepath.Clean(args[0])) + archive.Ext
			}
			files, err := archive.Pack(args[0], output)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, f := range files {
				fmt.Fprintf(out, "  %s\n", filepath.Base(f))
			}
			fmt.Fprintf(out, "wrote %s (%d files)\n", output, len(files))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Archive path (default DIR"+archive.Ext+")")
	return cmd
}
