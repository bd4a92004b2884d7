// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pario

import (
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/pario/backend"
	"github.com/grailbio/pario/rearr"
)

// Config is an I/O system configuration, as provided by the "pario"
// profile instance of package github.com/grailbio/base/config.
type Config struct {
	// Procs is the number of processes of in-process groups.
	Procs int
	// IOProcs, Stride, and Base place the I/O processes.
	IOProcs, Stride, Base int
	// Strategy is the default rearranger strategy.
	Strategy rearr.Strategy
	// Backend is the storage backend.
	Backend backend.Backend
	// Timeout bounds each collective operation; zero waits
	// indefinitely.
	Timeout time.Duration
}

// Options returns the system options for the configuration.
func (c *Config) Options() []Option {
	return []Option{
		IOProcs(c.IOProcs),
		Stride(c.Stride),
		Base(c.Base),
		Rearranger(c.Strategy),
		Backend(c.Backend),
		Timeout(c.Timeout),
	}
}

func init() {
	config.Register("pario", func(constr *config.Constructor) {
		var (
			c        = &Config{Procs: 4, IOProcs: 1, Stride: 1}
			strategy string
			store    string
			timeout  string
		)
		constr.IntVar(&c.Procs, "procs", c.Procs, "number of processes in in-process groups")
		constr.IntVar(&c.IOProcs, "ioprocs", c.IOProcs, "number of I/O processes")
		constr.IntVar(&c.Stride, "stride", c.Stride, "rank distance between I/O processes")
		constr.IntVar(&c.Base, "base", c.Base, "rank of the first I/O process")
		constr.StringVar(&strategy, "rearranger", rearr.Box.String(), "default rearranger strategy (box or subset)")
		constr.StringVar(&store, "store", "", "URL prefix of persisted files; files are kept in memory if empty")
		constr.StringVar(&timeout, "timeout", "0s", "timeout of collective operations")
		constr.Doc = "pario configures the parallel I/O system"
		constr.New = func() (interface{}, error) {
			var err error
			if c.Strategy, err = rearr.ParseStrategy(strategy); err != nil {
				return nil, err
			}
			if c.Timeout, err = time.ParseDuration(timeout); err != nil {
				return nil, errors.E(errors.Invalid, "pario: timeout", err)
			}
			if store == "" {
				c.Backend = DefaultBackend
			} else {
				c.Backend = backend.Files(store)
			}
			return c, nil
		}
	})
}
