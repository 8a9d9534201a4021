// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command capacityd runs the Capacity Manager control loop: it never
// serves HTTP itself, only polls the Job Service and launches workers.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dispatchforge/jobcore/internal/capacitymanager"
	"github.com/dispatchforge/jobcore/internal/config"
	"github.com/dispatchforge/jobcore/internal/containerdriver"
	"github.com/dispatchforge/jobcore/internal/workerauth"
	"github.com/dispatchforge/jobcore/pkg/clog"
)

func main() {
	var flagConfigFile string
	flag.StringVar(&flagConfigFile, "config", "./config.json", "load deployment configuration from `path`")
	flag.Parse()

	config.Init(flagConfigFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := containerdriver.NewECSDriver(ctx, config.Keys.Region)
	if err != nil {
		clog.Fatalf("capacityd: init container driver: %v", err)
	}

	auth := workerauth.New(config.Keys.ApiEndpoint, config.Keys.Auth.Email, config.Keys.Auth.Password)

	manager := capacitymanager.New(&config.Keys, driver, auth)
	pollInterval := time.Duration(config.Keys.PollIntervalMs) * time.Millisecond
	if err := manager.Start(ctx, pollInterval); err != nil {
		clog.Fatalf("capacityd: start control loop: %v", err)
	}

	clog.Infof("capacityd: running, poll interval %s", pollInterval)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	clog.Info("capacityd: shutting down")
	manager.Shutdown()
	clog.Info("capacityd: shutdown complete")
}
