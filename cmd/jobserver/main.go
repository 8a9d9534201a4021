// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command jobserver runs the Job Service's HTTP surface: job
// submission, polling, assignment, result ingestion and download.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dispatchforge/jobcore/internal/api"
	"github.com/dispatchforge/jobcore/internal/blobstore"
	"github.com/dispatchforge/jobcore/internal/config"
	"github.com/dispatchforge/jobcore/internal/metrics"
	"github.com/dispatchforge/jobcore/internal/payload"
	"github.com/dispatchforge/jobcore/internal/repository"
	"github.com/dispatchforge/jobcore/pkg/clog"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	var flagConfigFile string
	var flagReinitDB bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "load deployment configuration from `path`")
	flag.BoolVar(&flagReinitDB, "migrate-db", false, "run pending database migrations then exit")
	flag.Parse()

	config.Init(flagConfigFile)

	if flagReinitDB {
		repository.MigrateDB(config.Keys.DBDriver, config.Keys.DB)
		return
	}

	repository.Connect(config.Keys.DBDriver, config.Keys.DB)
	jobRepo := repository.GetJobRepository()

	registry := payload.NewRegistry()
	for class, cc := range config.Keys.Classes {
		spec := payload.ClassSpec{
			Class:         class,
			InputSchema:   string(cc.InputSchema),
			TimeoutMinute: cc.TimeoutMinutes,
		}
		if len(cc.ResultSchema) > 0 {
			spec.ResultSchema = string(cc.ResultSchema)
		}
		if err := registry.Register(spec); err != nil {
			clog.Fatalf("jobserver: register payload class %s: %v", class, err)
		}
	}

	blobs, err := blobstore.New(context.Background(), blobstore.Config{
		Bucket: config.Keys.Blob.Bucket,
		Region: config.Keys.Blob.Region,
		Prefix: config.Keys.Blob.Prefix,
	})
	if err != nil {
		clog.Fatalf("jobserver: init blob locator: %v", err)
	}

	jobAPI := &api.Api{Jobs: jobRepo, Registry: registry, Blobs: blobs}

	router := mux.NewRouter()
	router.Use(api.RequestID)
	router.Use(api.DevHeaderAuth)
	apiRouter := router.PathPrefix("/api").Subrouter()
	jobAPI.MountRoutes(apiRouter)
	router.Handle("/metrics", metrics.Handler())
	router.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})

	router.Use(handlers.CompressHandler)
	router.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))

	server := &http.Server{
		Addr:         config.Keys.Addr,
		Handler:      router,
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	listener, err := net.Listen("tcp", config.Keys.Addr)
	if err != nil {
		clog.Fatalf("jobserver: listen on %s: %v", config.Keys.Addr, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		clog.Infof("jobserver: listening at %s", config.Keys.Addr)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			clog.Fatalf("jobserver: serve: %v", err)
		}
	}()

	sweepInterval := 30 * time.Minute
	sweepGrace := time.Duration(repository.GetConfig().TimedOutGraceSeconds) * time.Second
	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := jobRepo.StopJobsExceedingWalltimeBy(context.Background(), sweepGrace); err != nil {
					clog.Errorf("jobserver: sweep timed out jobs: %v", err)
				}
			case <-sweepStop:
				return
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	clog.Info("jobserver: shutting down")
	close(sweepStop)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		clog.Errorf("jobserver: graceful shutdown: %v", err)
	}
	wg.Wait()
	clog.Info("jobserver: shutdown complete")
}
