package coremain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/hostcache/pkg/cache_persist"
	"github.com/pmkol/hostcache/pkg/value"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

type dumpFlags struct {
	file   string
	format string
}

func newDumpCmd() *cobra.Command {
	df := new(dumpFlags)
	c := &cobra.Command{
		Use:   "dump -f snapshot_file [--format json|yaml]",
		Short: "Print a saved cache snapshot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpSnapshot(cmd.Context(), df, cmd.OutOrStdout())
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := c.Flags()
	fs.StringVarP(&df.file, "file", "f", "", "snapshot file")
	fs.StringVar(&df.format, "format", "json", "output format, json or yaml")
	c.MarkFlagRequired("file")
	return c
}

func dumpSnapshot(ctx context.Context, df *dumpFlags, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l, err := cache_persist.NewFileStore(df.file).Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot, %w", err)
	}
	if l == nil {
		return fmt.Errorf("%s: %w", df.file, os.ErrNotExist)
	}

	switch df.format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(l)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(value.NewList(l).ToInterface())
	default:
		return errors.New("unknown format " + df.format)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print out version info and exit.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
