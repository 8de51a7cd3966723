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
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cockpit-project/job-runner/container"
	"github.com/cockpit-project/job-runner/forge"
	"github.com/cockpit-project/job-runner/store"
)

// DefaultPollInterval is how often an open pull request is checked for a
// superseding push, per §4.8 step 5.
const DefaultPollInterval = 60 * time.Second

// Context wires together everything one job execution needs: a forge to
// resolve subjects and post results against, a store driver to open log
// destinations in, and the container configuration the runner builds its
// command line from.
type Context struct {
	Forge           forge.Forge
	StoreDriver     store.Driver
	ContainerConfig container.Config
	Log             logrus.FieldLogger
	Hostname        string

	// PollInterval and After are overridable so tests don't wait a real
	// minute per PR-change poll or a real N minutes for a timeout.
	PollInterval time.Duration
	After        func(time.Duration) <-chan time.Time

	// ContainerCommand stands in for exec.Command in tests that replace
	// the container runtime with a fake.
	ContainerCommand func(name string, arg ...string) *exec.Cmd
}

func (c *Context) containerCommand() func(name string, arg ...string) *exec.Cmd {
	if c.ContainerCommand != nil {
		return c.ContainerCommand
	}
	return exec.Command
}

func (c *Context) after() func(time.Duration) <-chan time.Time {
	if c.After != nil {
		return c.After
	}
	return time.After
}

// NewContext builds a Context, resolving the local hostname the way the
// forge status suffix ("... [hostname]") and log header both need.
func NewContext(f forge.Forge, driver store.Driver, containerConfig container.Config, log logrus.FieldLogger) *Context {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Context{
		Forge:           f,
		StoreDriver:     driver,
		ContainerConfig: containerConfig,
		Log:             log,
		Hostname:         host,
		PollInterval:     DefaultPollInterval,
		After:            time.After,
		ContainerCommand: exec.Command,
	}
}
