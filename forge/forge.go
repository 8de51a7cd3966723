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

// Package forge defines the abstract contract between the job supervisor
// and a concrete code-hosting service. github.Adapter is the only
// implementation today, but nothing above this package should know that.
package forge

import "context"

// SubjectSpecification is a user-supplied pointer into a repository.
// Exactly one of SHA, Pull or Branch should be set; Target optionally
// names a rebase target branch.
type SubjectSpecification struct {
	Forge  string `json:"forge,omitempty"`
	Repo   string `json:"repo"`
	SHA    string `json:"sha,omitempty"`
	Pull   *int   `json:"pull,omitempty"`
	Branch string `json:"branch,omitempty"`
	Target string `json:"target,omitempty"`
}

// Subject is a resolved (repo, sha, optional rebase-target) triple.
type Subject struct {
	Repo     string
	SHA      string
	Rebase   string
	CloneURL string
}

// ShortSHA returns the first 12 hex characters of the subject's commit,
// or the whole SHA when it is shorter than that.
func (s Subject) ShortSHA() string {
	if len(s.SHA) < 12 {
		return s.SHA
	}
	return s.SHA[:12]
}

// Status is a handle bound to (repo, sha, context, link) that can be
// posted with one of pending|success|failure|error.
type Status interface {
	Post(ctx context.Context, state, description string) error
}

// Forge resolves subjects, reads files at a revision, posts statuses,
// opens issues, and detects superseding changes to an open pull request.
type Forge interface {
	// ResolveSubject turns a specification into a concrete commit.
	ResolveSubject(ctx context.Context, spec SubjectSpecification) (Subject, error)

	// CheckPRChanged returns a non-empty reason when the pull request has
	// been closed or its head has moved past expectedSHA. An empty reason
	// with a nil error means "still current". Transient network errors
	// are swallowed ("", nil) rather than propagated: this is a polling
	// operation and must not kill an otherwise-healthy job.
	CheckPRChanged(ctx context.Context, repo string, pull int, expectedSHA string) (string, error)

	// GetStatus returns a handle that posts commit statuses. If context
	// is empty, Post is a no-op: free-floating statuses are not permitted.
	GetStatus(repo, sha, context, link string) Status

	// OpenIssue files a tracking issue, merging issue's fields verbatim
	// into the POST body.
	OpenIssue(ctx context.Context, repo string, issue map[string]interface{}) error

	// ReadFile returns the text of filename at subject's revision, or
	// ("", false, nil) if the file does not exist.
	ReadFile(ctx context.Context, subject Subject, filename string) (string, bool, error)

	// CloneURL returns the clone URL for repo.
	CloneURL(repo string) string
}
