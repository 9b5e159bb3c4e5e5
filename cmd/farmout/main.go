// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Command farmout dispatches a shell command across a cluster of
// SSH-reachable nodes and monitors aggregate progress until all tasks
// finish. With -resume it reattaches to a previously dispatched job
// and resumes monitoring from the persisted cluster state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/farmout-project/farmout/lib/cluster"
	"github.com/farmout-project/farmout/lib/config"
	"github.com/farmout-project/farmout/lib/ctxlog"
	"github.com/farmout-project/farmout/lib/farmout"
	"github.com/google/shlex"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("farmout", flag.ExitOnError)
	configPath := flags.String("config", "", "path to job configuration YAML (required)")
	command := flags.String("command", "", "command template to run on each slot; {proc_id}, {local_id}, {node_id}, {node}, {job} and {output_dir} expand per slot")
	resume := flags.Bool("resume", false, "reattach to an already dispatched job instead of launching")
	flags.Parse(args)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "farmout: -config is required")
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "farmout: %s\n", err)
		return 1
	}
	ctxlog.SetLevel(cfg.LogLevel)
	ctxlog.SetFormat(cfg.LogFormat)

	var factory farmout.TaskFactory
	if *command != "" {
		factory, err = templateFactory(*command)
		if err != nil {
			fmt.Fprintf(os.Stderr, "farmout: %s\n", err)
			return 1
		}
	} else if !*resume {
		fmt.Fprintln(os.Stderr, "farmout: -command is required unless -resume is given")
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctrl := &cluster.Controller{Config: cfg, Factory: factory}
	defer ctrl.Close()
	if *resume {
		err = ctrl.Resume(ctx)
	} else {
		err = ctrl.Start(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "farmout: %s\n", err)
		if errors.As(err, new(farmout.ConfigError)) {
			return 2
		}
		return 1
	}
	go ctrl.ServeAPI(ctx)
	if err := ctrl.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "farmout: %s\n", err)
		return 1
	}
	return 0
}

// templateFactory builds the task factory for a command template. The
// template is split into words up front (so quoting problems surface
// before dispatch), then each word has its slot placeholders expanded.
func templateFactory(template string) (farmout.TaskFactory, error) {
	words, err := shlex.Split(template)
	if err != nil {
		return nil, farmout.Configf("cannot parse command template: %s", err)
	}
	if len(words) == 0 {
		return nil, farmout.Configf("empty command template")
	}
	return func(sc farmout.SlotConfig) farmout.Task {
		expanded := make([]string, len(words))
		for i, word := range words {
			expanded[i] = expandPlaceholders(word, sc)
		}
		return farmout.Task{
			Commands:   []string{strings.Join(expanded, " ")},
			OutputFile: sc.DefaultOutputFile(),
			Config:     sc,
		}
	}, nil
}

func expandPlaceholders(s string, sc farmout.SlotConfig) string {
	r := strings.NewReplacer(
		"{proc_id}", strconv.Itoa(sc.ProcID),
		"{local_id}", strconv.Itoa(sc.LocalID),
		"{node_id}", strconv.Itoa(sc.NodeID),
		"{node}", sc.NodeName,
		"{job}", sc.JobName,
		"{output_dir}", sc.OutputDir,
	)
	return r.Replace(s)
}
