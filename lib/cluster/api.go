// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/farmout-project/farmout/lib/progress"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIHandler returns the management API for this controller: a status
// snapshot and prometheus metrics. If token is non-empty, requests
// must carry it as "Authorization: Bearer <token>".
func (ctrl *Controller) APIHandler(token string) http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc("GET", "/status", ctrl.apiStatus)
	metricsH := promhttp.HandlerFor(ctrl.Registry, promhttp.HandlerOpts{
		ErrorLog: ctrl.logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	if token == "" {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Management API: the last aggregated view of the cluster, without
// touching output files or remote nodes.
func (ctrl *Controller) apiStatus(w http.ResponseWriter, r *http.Request) {
	tasks := ctrl.taskRuns()
	snapshots := make([]progress.TaskProgress, len(tasks))
	for i, run := range tasks {
		snapshots[i] = progress.TaskProgress{Config: run.Task.Config, Run: run.Snapshot()}
	}
	summary := progress.Aggregate(snapshots)
	resp := struct {
		JobName string           `json:"job_name"`
		Summary progress.Summary `json:"summary"`
	}{ctrl.Config.JobName, summary}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ServeAPI runs the management HTTP server on Config.ManagementAddr
// until ctx is cancelled. It returns immediately if no address is
// configured.
func (ctrl *Controller) ServeAPI(ctx context.Context) error {
	if err := ctrl.setup(ctx); err != nil {
		return err
	}
	if ctrl.Config.ManagementAddr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:    ctrl.Config.ManagementAddr,
		Handler: ctrl.APIHandler(ctrl.Config.ManagementToken),
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	ctrl.logger.WithField("Addr", ctrl.Config.ManagementAddr).Info("management API listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
