/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// job-runner executes one job specification end to end: resolve the
// subject, run the container, stream logs and attachments, and report
// the outcome back to the forge. Pulling specifications off a queue is
// someone else's job; this binary is handed exactly one, on stdin or a
// file path, per invocation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cockpit-project/job-runner/config"
	"github.com/cockpit-project/job-runner/job"
)

type options struct {
	configPath string
	jobPath    string
	listenAddr string
	logLevel   string
}

func gatherOptions() options {
	o := options{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	fs.StringVar(&o.configPath, "config-path", "", "Path to the TOML config file. Falls back to $JOB_RUNNER_CONFIG, then the user config path.")
	fs.StringVar(&o.jobPath, "job", "-", "Path to the job specification JSON, or \"-\" to read it from stdin.")
	fs.StringVar(&o.listenAddr, "listen-address", ":9090", "Address to serve /metrics on.")
	fs.StringVar(&o.logLevel, "log-level", "info", "Logging level (debug, info, warn, error).")

	fs.Parse(os.Args[1:])
	return o
}

func main() {
	o := gatherOptions()

	level, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		logrus.WithError(err).Fatal("invalid -log-level")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "job-runner")

	cfg, err := config.Load(o.configPath)
	if err != nil {
		log.WithError(err).Fatal("could not load config")
	}

	containerConfig, err := cfg.BuildContainerConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid [container] config")
	}
	storeDriver, err := cfg.BuildStoreDriver(log)
	if err != nil {
		log.WithError(err).Fatal("invalid [logs] config")
	}
	f, err := cfg.BuildForge(log)
	if err != nil {
		log.WithError(err).Fatal("invalid [forge] config")
	}

	spec, err := readSpec(o.jobPath)
	if err != nil {
		log.WithError(err).Fatal("could not read job specification")
	}

	go serveMetrics(o.listenAddr, log)

	jobCtx := job.NewContext(f, storeDriver, containerConfig, log)
	if err := jobCtx.Supervise(context.Background(), spec); err != nil {
		log.WithError(err).Fatal("job supervision ended in error")
	}
}

func readSpec(path string) (*job.Spec, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening job spec: %w", err)
		}
		defer f.Close()
		r = f
	}

	var spec job.Spec
	if err := json.NewDecoder(r).Decode(&spec); err != nil {
		return nil, fmt.Errorf("decoding job spec: %w", err)
	}
	return &spec, nil
}

func serveMetrics(addr string, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics listener exited")
	}
}
