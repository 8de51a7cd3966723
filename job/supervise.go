/*
Copyright 2018 The Kubernetes Authors.

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

package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/cockpit-project/job-runner/container"
	"github.com/cockpit-project/job-runner/forge"
	"github.com/cockpit-project/job-runner/logstream"
)

var jobOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "job_runner_job_outcomes_total",
	Help: "Terminal job outcomes, by classification.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(jobOutcomes)
}

// errRaced is returned unconditionally by every task in raceTasks so
// that, regardless of whether a task is winding down because it
// succeeded or because it failed, the shared context is cancelled and
// its siblings unwind at their next suspension point.
var errRaced = errors.New("task completed")

// raceTasks runs every task concurrently and returns the name and error
// of whichever finishes first — success or failure both count as
// "finishing". Every other task is cancelled via ctx and awaited before
// raceTasks returns, matching the "first completion wins" discipline of
// §5's cancellation semantics.
func raceTasks(ctx context.Context, tasks map[string]func(context.Context) error) (winner string, winnerErr error) {
	g, gctx := errgroup.WithContext(ctx)
	var once sync.Once

	for name, task := range tasks {
		name, task := name, task
		g.Go(func() error {
			err := task(gctx)
			once.Do(func() {
				winner = name
				winnerErr = err
			})
			return errRaced
		})
	}
	_ = g.Wait()
	return winner, winnerErr
}

// Supervise runs spec end-to-end per §4.8: resolve the subject, open a
// destination, stream logs and attachments, run the container concurrently
// with a timeout and (for pull requests) a change-poll, classify the
// outcome, and post the terminal status.
func (c *Context) Supervise(ctx context.Context, spec *Spec) error {
	subject, err := c.Forge.ResolveSubject(ctx, spec.SubjectSpecification())
	if err != nil {
		return c.finishWithoutStatus(spec, err)
	}

	title := spec.Title
	if title == "" {
		title = spec.DefaultTitle(subject.SHA)
	}
	slug := spec.Slug
	if slug == "" {
		slug = spec.DefaultSlug(subject.SHA)
	}

	destination := c.StoreDriver.GetDestination(slug)
	// Deferred so it runs after the task set has resolved and the log is
	// closed; the drain is not tied to the job's context.
	defer destination.Close(context.Background())
	index := logstream.NewIndex(destination)
	stream := logstream.NewStreamer(index)

	logURL := destination.ProxyURL("log.html")
	status := c.Forge.GetStatus(spec.Repo, subject.SHA, spec.Context, logURL)

	if err := status.Post(ctx, "pending", "In progress"); err != nil && c.Log != nil {
		c.Log.WithError(err).Warn("could not post pending status")
	}

	stream.Start(c.header(title, spec))

	outcome, description, failErr := c.runTaskSet(ctx, spec, subject, stream, index, logURL)

	if failErr != nil {
		stream.Write(fmt.Sprintf("*** %s: %s\n", outcomeLabel(outcome), failErr.Error()))
	} else {
		stream.Write("\n\nJob ran successfully.  :)\n")
	}

	if postErr := status.Post(ctx, outcome, description); postErr != nil && c.Log != nil {
		c.Log.WithError(postErr).Warn("could not post terminal status")
	}
	jobOutcomes.WithLabelValues(outcome).Inc()

	if outcome == "failure" && spec.Report != nil {
		c.openFailureIssue(ctx, spec, subject, logURL)
	}

	stream.Close()
	index.Sync()

	// A Failure is a real test result, already captured in the status
	// and the log: it is not re-raised. Only "error"-class outcomes
	// (schema problems, internal failures, outside cancellation) and an
	// unresolvable subject propagate to the caller.
	if outcome == "error" {
		return failErr
	}
	return nil
}

// runTaskSet builds and races the container/timeout/poll task set and
// classifies the result into a forge outcome triple.
func (c *Context) runTaskSet(ctx context.Context, spec *Spec, subject forge.Subject, stream *logstream.Streamer, index *logstream.Index, logURL string) (outcome, description string, err error) {
	commandSubject := subject
	if spec.CommandSubject != nil {
		resolved, resolveErr := c.Forge.ResolveSubject(ctx, spec.CommandSubjectSpecification())
		if resolveErr != nil {
			return "error", "Internal error", resolveErr
		}
		commandSubject = resolved
	}

	runner := container.NewRunner(c.ContainerConfig, c.Forge, c.Log, logURL)
	runner.Command = c.containerCommand()

	tasks := map[string]func(context.Context) error{
		"container": func(taskCtx context.Context) error {
			return runner.Run(taskCtx, commandSubject, spec.Container, spec.Env, spec.Secrets, spec.Command, stream, index)
		},
		"timeout": func(taskCtx context.Context) error {
			return c.waitTimeout(taskCtx, spec.TimeoutMinutes())
		},
	}
	if spec.Pull != nil {
		tasks["poll"] = func(taskCtx context.Context) error {
			return c.pollPRChanged(taskCtx, spec.Repo, *spec.Pull, subject.SHA)
		}
	}

	_, taskErr := raceTasks(ctx, tasks)

	switch {
	case taskErr == nil:
		return "success", "Success", nil

	case ctx.Err() != nil:
		// The supervisor's own context was cancelled from outside (e.g.
		// process shutdown), not by any task's own logic.
		return "error", "Cancelled", ctx.Err()

	default:
		var failure *Failure
		if errors.As(taskErr, &failure) {
			return "failure", failure.Message, failure
		}
		var exitFailure *container.ExitFailure
		if errors.As(taskErr, &exitFailure) {
			return "failure", fmt.Sprintf("Container exited with code %d", exitFailure.Code), taskErr
		}
		return "error", "Internal error", taskErr
	}
}

// waitTimeout is the timeout task: wait for the job's timeout and then
// report a Failure, unless ctx is cancelled first (another task won).
func (c *Context) waitTimeout(ctx context.Context, minutes int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.after()(time.Duration(minutes) * time.Minute):
		return NewFailure("Timeout after %d minutes", minutes)
	}
}

// pollPRChanged loops forever, checking for a superseding push every
// PollInterval, reporting a Failure the moment one is detected.
func (c *Context) pollPRChanged(ctx context.Context, repo string, pull int, expectedSHA string) error {
	interval := c.PollInterval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	after := c.after()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-after(interval):
			reason, err := c.Forge.CheckPRChanged(ctx, repo, pull, expectedSHA)
			if err != nil {
				if c.Log != nil {
					c.Log.WithError(err).Debug("PR-change poll diagnostic")
				}
				continue
			}
			if reason != "" {
				return &Failure{Message: reason}
			}
		}
	}
}

// header is the fixed log preamble written once at job start: title,
// worker identity, and a pretty-printed dump of the job spec.
func (c *Context) header(title string, spec *Spec) string {
	dump, _ := json.MarshalIndent(spec, "", "  ")
	return fmt.Sprintf("%s\nRunning on %s\n%s\n\n", title, c.Hostname, dump)
}

func (c *Context) openFailureIssue(ctx context.Context, spec *Spec, subject forge.Subject, logURL string) {
	issue := map[string]interface{}{
		"title": fmt.Sprintf("%s failed", spec.Context),
		"body":  fmt.Sprintf("The job %s failed on commit %s. Log: %s", spec.Context, subject.SHA, logURL),
	}
	for k, v := range spec.Report {
		issue[k] = v
	}
	if err := c.Forge.OpenIssue(ctx, spec.Repo, issue); err != nil && c.Log != nil {
		c.Log.WithError(err).Warn("could not open failure issue")
	}
}

// finishWithoutStatus handles failures before a Status handle could even
// be constructed (subject resolution itself failed).
func (c *Context) finishWithoutStatus(spec *Spec, err error) error {
	if c.Log != nil {
		c.Log.WithError(err).WithField("repo", spec.Repo).Error("could not resolve job subject")
	}
	jobOutcomes.WithLabelValues("error").Inc()
	return err
}

func outcomeLabel(outcome string) string {
	if outcome == "error" {
		return "Error"
	}
	return "Failure"
}
