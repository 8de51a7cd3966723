/*
Copyright 2016 The Kubernetes Authors.

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

package github

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cockpit-project/job-runner/forge"
)

// Adapter implements forge.Forge against the GitHub REST API.
type Adapter struct {
	client      *Client
	cloneBase   string
	contentBase string
	log         logrus.FieldLogger
}

// AdapterConfig configures a new Adapter.
type AdapterConfig struct {
	APIURL     string
	ContentURL string
	CloneURL   string
	Token      string
	DryRun     bool
}

// NewAdapter wires up a GitHub client and wraps it as a forge.Forge.
func NewAdapter(cfg AdapterConfig, log logrus.FieldLogger) *Adapter {
	client := NewClient(ClientConfig{
		BaseURL: strings.TrimRight(cfg.APIURL, "/"),
		Token:   cfg.Token,
		DryRun:  cfg.DryRun,
	}, log)
	return &Adapter{
		client:      client,
		cloneBase:   strings.TrimRight(cfg.CloneURL, "/"),
		contentBase: strings.TrimRight(cfg.ContentURL, "/"),
		log:         log,
	}
}

func getString(obj map[string]interface{}, key string) (string, error) {
	v, ok := obj[key]
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not a string", key)
	}
	return s, nil
}

func getNested(obj map[string]interface{}, key string) (map[string]interface{}, error) {
	v, ok := obj[key]
	if !ok {
		return nil, fmt.Errorf("missing field %q", key)
	}
	nested, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("field %q is not an object", key)
	}
	return nested, nil
}

// CloneURL implements forge.Forge.
func (a *Adapter) CloneURL(repo string) string {
	return a.cloneBase + "/" + repo
}

// ResolveSubject implements forge.Forge per spec §4.2.
func (a *Adapter) ResolveSubject(ctx context.Context, spec forge.SubjectSpecification) (forge.Subject, error) {
	switch {
	case spec.Pull != nil:
		pull, err := a.client.GetObj(ctx, fmt.Sprintf("repos/%s/pulls/%d", spec.Repo, *spec.Pull))
		if err != nil {
			return forge.Subject{}, err
		}
		head, err := getNested(pull, "head")
		if err != nil {
			return forge.Subject{}, err
		}
		sha := spec.SHA
		if sha == "" {
			sha, err = getString(head, "sha")
			if err != nil {
				return forge.Subject{}, err
			}
		}
		target := spec.Target
		if target == "" {
			base, err := getNested(pull, "base")
			if err != nil {
				return forge.Subject{}, err
			}
			target, err = getString(base, "ref")
			if err != nil {
				return forge.Subject{}, err
			}
		}
		return forge.Subject{Repo: spec.Repo, SHA: sha, Rebase: target, CloneURL: a.CloneURL(spec.Repo)}, nil

	case spec.SHA != "":
		return forge.Subject{Repo: spec.Repo, SHA: spec.SHA, Rebase: spec.Target, CloneURL: a.CloneURL(spec.Repo)}, nil

	default:
		branch := spec.Branch
		if branch == "" {
			repoObj, err := a.client.GetObj(ctx, fmt.Sprintf("repos/%s", spec.Repo))
			if err != nil {
				return forge.Subject{}, err
			}
			branch, err = getString(repoObj, "default_branch")
			if err != nil {
				return forge.Subject{}, err
			}
		}
		ref, err := a.client.GetObj(ctx, fmt.Sprintf("repos/%s/git/refs/heads/%s", spec.Repo, branch))
		if err != nil {
			return forge.Subject{}, err
		}
		object, err := getNested(ref, "object")
		if err != nil {
			return forge.Subject{}, err
		}
		sha, err := getString(object, "sha")
		if err != nil {
			return forge.Subject{}, err
		}
		return forge.Subject{Repo: spec.Repo, SHA: sha, Rebase: spec.Target, CloneURL: a.CloneURL(spec.Repo)}, nil
	}
}

// CheckPRChanged implements forge.Forge per spec §4.2: schema errors are
// surfaced, transient network errors are swallowed (this is a polling
// operation and must not kill an otherwise-healthy job).
func (a *Adapter) CheckPRChanged(ctx context.Context, repo string, pull int, expectedSHA string) (string, error) {
	pullObj, err := a.client.GetObj(ctx, fmt.Sprintf("repos/%s/pulls/%d", repo, pull))
	if err != nil {
		if _, ok := err.(jsonSchemaError); ok {
			return fmt.Sprintf("Unexpected error when parsing pull request: %v", err), nil
		}
		if a.log != nil {
			a.log.WithError(err).Warnf("Error when polling for %s#%d", repo, pull)
		}
		return "", nil
	}

	state, err := getString(pullObj, "state")
	if err != nil {
		return fmt.Sprintf("Unexpected error when parsing pull request: %v", err), nil
	}
	if state != "open" {
		return fmt.Sprintf("%s#%d is closed", repo, pull), nil
	}

	head, err := getNested(pullObj, "head")
	if err != nil {
		return fmt.Sprintf("Unexpected error when parsing pull request: %v", err), nil
	}
	sha, err := getString(head, "sha")
	if err != nil {
		return fmt.Sprintf("Unexpected error when parsing pull request: %v", err), nil
	}
	if sha != expectedSHA {
		return fmt.Sprintf("%s#%d changed", repo, pull), nil
	}
	return "", nil
}

// jsonSchemaError marks a forge response that parsed as JSON but did not
// have the shape we expected (e.g. an array where an object was
// required), as distinct from a transient transport error. Client.GetObj
// returns it so CheckPRChanged can report a schema mismatch as a real
// job outcome instead of silently retrying it like a network blip.
type jsonSchemaError struct{ error }

// OpenIssue implements forge.Forge.
func (a *Adapter) OpenIssue(ctx context.Context, repo string, issue map[string]interface{}) error {
	_, err := a.client.Post(ctx, fmt.Sprintf("repos/%s/issues", repo), issue)
	return err
}

// ReadFile implements forge.Forge per spec §4.2: 404 yields ("", false,
// nil), not an error.
func (a *Adapter) ReadFile(ctx context.Context, subject forge.Subject, filename string) (string, bool, error) {
	url := fmt.Sprintf("%s/%s/%s/%s", a.contentBase, subject.Repo, subject.SHA, filename)
	return a.client.GetRaw(ctx, url)
}

// GetStatus implements forge.Forge.
func (a *Adapter) GetStatus(repo, sha, context, link string) forge.Status {
	return &status{client: a.client, repo: repo, sha: sha, context: context, link: link}
}

type status struct {
	client  *Client
	repo    string
	sha     string
	context string
	link    string
}

// Post implements forge.Status. If context is empty, posting is a no-op:
// free-floating statuses are not permitted. The description gets a
// " [hostname]" suffix, carried over from the original implementation's
// use of platform.node(), so a developer looking at the GitHub status UI
// can see which worker ran a job.
func (s *status) Post(ctx context.Context, state, description string) error {
	if s.context == "" {
		return nil
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	_, err = s.client.Post(ctx, fmt.Sprintf("repos/%s/statuses/%s", s.repo, s.sha), map[string]interface{}{
		"context":     s.context,
		"state":       state,
		"description": fmt.Sprintf("%s [%s]", description, host),
		"target_url":  s.link,
	})
	return err
}
