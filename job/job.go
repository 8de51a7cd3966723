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

// Package job defines the execution contract for one CI job and the
// supervisor that carries it from queue entry to terminal forge status.
package job

import (
	"fmt"

	"github.com/cockpit-project/job-runner/forge"
)

// Spec is the execution contract for one job, as decoded from the queue
// message body (§6.1).
type Spec struct {
	Repo           string                 `json:"repo"`
	SHA            string                 `json:"sha,omitempty"`
	Pull           *int                   `json:"pull,omitempty"`
	Branch         string                 `json:"branch,omitempty"`
	Target         string                 `json:"target,omitempty"`
	Forge          string                 `json:"forge,omitempty"`
	Container      string                 `json:"container,omitempty"`
	CommandSubject *Spec                  `json:"command_subject,omitempty"`
	Command        []string               `json:"command,omitempty"`
	Env            map[string]string      `json:"env,omitempty"`
	Secrets        []string               `json:"secrets,omitempty"`
	Timeout        int                    `json:"timeout,omitempty"`
	Context        string                 `json:"context,omitempty"`
	Slug           string                 `json:"slug,omitempty"`
	Title          string                 `json:"title,omitempty"`
	Report         map[string]interface{} `json:"report,omitempty"`
}

// DefaultTimeoutMinutes is used whenever a Spec omits Timeout.
const DefaultTimeoutMinutes = 120

// TimeoutMinutes returns the effective timeout, applying the default.
func (s *Spec) TimeoutMinutes() int {
	if s.Timeout == 0 {
		return DefaultTimeoutMinutes
	}
	return s.Timeout
}

// SubjectSpecification reconstructs the forge.SubjectSpecification from
// the job's own flattened fields.
func (s *Spec) SubjectSpecification() forge.SubjectSpecification {
	return forge.SubjectSpecification{
		Forge:  s.Forge,
		Repo:   s.Repo,
		SHA:    s.SHA,
		Pull:   s.Pull,
		Branch: s.Branch,
		Target: s.Target,
	}
}

// CommandSubjectSpecification returns the cross-project subject to run,
// falling back to the job's own subject when none is given.
func (s *Spec) CommandSubjectSpecification() forge.SubjectSpecification {
	if s.CommandSubject == nil {
		return s.SubjectSpecification()
	}
	return s.CommandSubject.SubjectSpecification()
}

// DefaultSlug derives the object-store path prefix when Slug is empty.
func (s *Spec) DefaultSlug(sha string) string {
	return fmt.Sprintf("%s/%s/%s", s.Repo, s.Context, sha)
}

// DefaultTitle derives the log/issue title when Title is empty.
func (s *Spec) DefaultTitle(sha string) string {
	return fmt.Sprintf("%s @ %s", s.Context, sha)
}

// Failure is a job-level test result: the job ran to completion but the
// outcome is a forge "failure" status, not an "error" outcome. Timeouts
// and PR supersession are Failures; a non-zero container exit is reported
// as a *container.ExitFailure, which the supervisor classifies as the
// same "failure" outcome.
type Failure struct {
	Message string
}

func (f *Failure) Error() string { return f.Message }

// NewFailure constructs a Failure with a formatted message.
func NewFailure(format string, args ...interface{}) *Failure {
	return &Failure{Message: fmt.Sprintf(format, args...)}
}

// InternalError marks an outcome as "error" rather than "failure": schema
// problems, container-create failure, and any other unexpected exception.
type InternalError struct {
	cause error
}

func (e *InternalError) Error() string { return e.cause.Error() }
func (e *InternalError) Unwrap() error { return e.cause }

// WrapInternal marks err as an internal error, unless it already is one
// or is a *Failure.
func WrapInternal(err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *Failure, *InternalError:
		return err
	}
	return &InternalError{cause: err}
}
