// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Pariotest runs parallel I/O scenarios on in-process process
// groups, verifying that data written through decompositions read
// back intact, and reports the traffic they generate. The I/O system
// is configured by the "pario" profile instance; see -help for the
// profile flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pario"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	log.AddFlags()
	config.RegisterFlags("", os.ExpandEnv("$HOME/.pario/config"))
	cmd := newCommand(func() (*pario.Config, error) {
		if err := config.ProcessFlags(); err != nil {
			return nil, err
		}
		var cfg *pario.Config
		config.Must("pario", &cfg)
		return cfg, nil
	})
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	if err := cmd.Execute(); err != nil {
		log.Error.Print(err)
		os.Exit(1)
	}
}

// newCommand returns the root command. Configurations are obtained
// from load when a scenario is run.
func newCommand(load func() (*pario.Config, error)) *cobra.Command {
	root := &cobra.Command{
		Use:           "pariotest",
		Short:         "Run parallel I/O scenarios on in-process process groups",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var rt roundTrip
	roundtripCmd := &cobra.Command{
		Use:   "roundtrip",
		Short: "Write and read back a randomly decomposed array with each rearranger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			rep, err := rt.run(context.Background(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	rt.addFlags(roundtripCmd.Flags())

	var rec records
	recordsCmd := &cobra.Command{
		Use:   "records",
		Short: "Write and read back successive frames of a record variable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			rep, err := rec.run(context.Background(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	rec.addFlags(recordsCmd.Flags())

	root.AddCommand(roundtripCmd, recordsCmd)
	return root
}

func (rt *roundTrip) addFlags(fs *pflag.FlagSet) {
	fs.IntVar(&rt.Rows, "rows", 64, "number of rows of the array")
	fs.IntVar(&rt.Cols, "cols", 48, "number of columns of the array")
	fs.Int64Var(&rt.Seed, "seed", 1, "seed of the random decomposition and data")
	fs.StringVar(&rt.Path, "path", "roundtrip.nc", "path of the file written")
	fs.IntVar(&rt.Deflate, "deflate", 0, "deflate level of the variables")
}

func (rec *records) addFlags(fs *pflag.FlagSet) {
	fs.IntVar(&rec.Len, "len", 100, "number of elements per frame")
	fs.IntVar(&rec.Frames, "frames", 5, "number of frames")
	fs.StringVar(&rec.Path, "path", "records.nc", "path of the file written")
}
