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

// Package container runs one job's container and feeds its output into
// the log streamer (§4.7).
package container

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cockpit-project/job-runner/forge"
)

// Config is the runner-wide container configuration loaded from
// [container] in the TOML config (§6.2).
type Config struct {
	Runtime      string              // e.g. "podman"
	RunArgs      []string            // extra arguments inserted after --init
	DefaultImage string              // used when neither the job nor .cockpit-ci/container names one
	Secrets      map[string][]string // secret name -> argument group appended to the run command
}

// Writer is the subset of logstream.Streamer the runner writes log text
// through; kept narrow so tests can supply a fake.
type Writer interface {
	Write(text string)
}

// AttachmentUploader is the subset of logstream.Index used to publish
// files copied out of the container's attachments directory.
type AttachmentUploader interface {
	Write(name string, data []byte)
}

// Runner executes one job's container.
type Runner struct {
	Config  Config
	Forge   forge.Forge
	Log     logrus.FieldLogger
	LogURL  string
	Command func(name string, arg ...string) *exec.Cmd // overridable in tests
}

// NewRunner builds a Runner for one job execution.
func NewRunner(cfg Config, f forge.Forge, log logrus.FieldLogger, logURL string) *Runner {
	return &Runner{Config: cfg, Forge: f, Log: log, LogURL: logURL, Command: exec.Command}
}

// ExitFailure reports a non-zero container exit: a real test failure,
// not an infrastructure error.
type ExitFailure struct{ Code int }

func (e *ExitFailure) Error() string { return fmt.Sprintf("container exited with code %d", e.Code) }

// Run executes subject's container and blocks until it exits, streaming
// output to stream and attachments to attachments. jobImage, jobEnv,
// jobSecrets, and jobCommand come directly from the job spec; subject is
// the resolved command subject (the code actually being tested).
//
// A *ExitFailure return means the container ran and exited non-zero: the
// caller should treat it as a job failure, not an internal error. Any
// other non-nil error is internal (container never created, runtime
// could not be spawned, and so on).
func (r *Runner) Run(ctx context.Context, subject forge.Subject, jobImage string, jobEnv map[string]string, jobSecrets []string, jobCommand []string, stream Writer, attachments AttachmentUploader) error {
	workdir, err := ioutil.TempDir("", "job-runner-")
	if err != nil {
		return errors.Wrap(err, "allocating container workdir")
	}
	defer os.RemoveAll(workdir)

	cidfile := filepath.Join(workdir, "cidfile")
	attachmentsDir := filepath.Join(workdir, "attachments")
	if err := os.Mkdir(attachmentsDir, 0755); err != nil {
		return errors.Wrap(err, "allocating attachments dir")
	}

	image, err := r.resolveImage(ctx, subject, jobImage)
	if err != nil {
		return err
	}
	stream.Write(fmt.Sprintf("Using image %s\n", image))

	args := r.buildArgs(cidfile, jobEnv, jobSecrets, image, subject, jobCommand)
	cmd := r.Command(r.Config.Runtime, args...)

	// stdout and stderr are merged into one OS pipe so the log sees them
	// interleaved in real time, the way a terminal would; the write end
	// is closed in the parent immediately after Start so the read end
	// sees EOF exactly when the child's descriptors are all closed.
	pipeRead, pipeWrite, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "allocating output pipe")
	}
	cmd.Stdout = pipeWrite
	cmd.Stderr = pipeWrite

	if err := cmd.Start(); err != nil {
		pipeWrite.Close()
		pipeRead.Close()
		return errors.Wrap(err, "starting container runtime")
	}
	pipeWrite.Close()

	// If ctx is cancelled while the container runs (another task won the
	// race), force-remove the container so the runtime exits and the
	// output pipe reaches EOF.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			if cid, err := ioutil.ReadFile(cidfile); err == nil {
				r.removeContainer(strings.TrimSpace(string(cid)))
			}
		case <-stopWatch:
		}
	}()

	drainOutput(pipeRead, stream)

	if _, statErr := os.Stat(cidfile); statErr != nil {
		_ = cmd.Wait()
		return errors.New("container runtime exited without writing a cidfile: container was never created")
	}
	cid, err := ioutil.ReadFile(cidfile)
	if err != nil {
		_ = cmd.Wait()
		return errors.Wrap(err, "reading cidfile")
	}
	containerID := strings.TrimSpace(string(cid))
	defer r.removeContainer(containerID)

	r.copyAttachments(containerID, attachmentsDir, attachments)

	if waitErr := cmd.Wait(); waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return &ExitFailure{Code: exitErr.ExitCode()}
		}
		return errors.Wrap(waitErr, "waiting for container runtime")
	}
	return nil
}

// resolveImage implements the three-way fallback in §4.7 step 2.
func (r *Runner) resolveImage(ctx context.Context, subject forge.Subject, jobImage string) (string, error) {
	if jobImage != "" {
		return jobImage, nil
	}
	if text, ok, err := r.Forge.ReadFile(ctx, subject, ".cockpit-ci/container"); err != nil {
		return "", errors.Wrap(err, "reading .cockpit-ci/container")
	} else if ok {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return trimmed, nil
		}
	}
	if r.Config.DefaultImage == "" {
		return "", errors.New("no container image configured and no default image set")
	}
	return r.Config.DefaultImage, nil
}

// buildArgs assembles the runtime command line exactly as described in
// §4.7 step 3.
func (r *Runner) buildArgs(cidfile string, jobEnv map[string]string, jobSecrets []string, image string, subject forge.Subject, jobCommand []string) []string {
	args := []string{"run", "--init"}
	args = append(args, r.Config.RunArgs...)
	args = append(args, fmt.Sprintf("--cidfile=%s", cidfile))

	keys := make([]string, 0, len(jobEnv))
	for k := range jobEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("--env=%s=%s", k, jobEnv[k]))
	}
	args = append(args, "--env=TEST_ATTACHMENTS=/var/tmp/attachments")
	args = append(args, fmt.Sprintf("--env=COCKPIT_CI_LOG_URL=%s", r.LogURL))

	for _, name := range jobSecrets {
		if group, ok := r.Config.Secrets[name]; ok {
			args = append(args, group...)
		}
	}

	args = append(args, image)
	args = append(args, fmt.Sprintf("--revision=%s", subject.SHA))
	if subject.Rebase != "" {
		args = append(args, fmt.Sprintf("--rebase=%s", subject.Rebase))
	}
	args = append(args, subject.CloneURL)
	if len(jobCommand) > 0 {
		args = append(args, "--")
		args = append(args, jobCommand...)
	}
	return args
}

// drainOutput reads text in up to 1MiB chunks until EOF, forwarding each
// chunk to the log stream as it arrives. Bytes are decoded incrementally
// as UTF-8 (§4.5): a multi-byte sequence split across a read boundary is
// held back until the rest arrives, and a genuinely invalid sequence is
// replaced rather than passed through raw.
func drainOutput(pipe *os.File, stream Writer) {
	defer pipe.Close()
	buf := make([]byte, 1<<20)
	var pending []byte
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			var decoded string
			decoded, pending = decodeUTF8(append(pending, buf[:n]...), false)
			if decoded != "" {
				stream.Write(decoded)
			}
		}
		if err != nil {
			if len(pending) > 0 {
				if decoded, _ := decodeUTF8(pending, true); decoded != "" {
					stream.Write(decoded)
				}
			}
			return
		}
	}
}

// decodeUTF8 decodes as much of data as can be decoded unambiguously,
// writing U+FFFD for any invalid byte, and returns the undecoded tail.
// When final is false, a trailing byte sequence that is merely
// incomplete (not yet invalid) is left in the tail for the next call
// rather than being replaced; when final is true, it is flushed as
// replacement characters since no more input is coming.
func decodeUTF8(data []byte, final bool) (decoded string, tail []byte) {
	var sb strings.Builder
	i := 0
	for i < len(data) {
		if !final && !utf8.FullRune(data[i:]) {
			break
		}
		r, size := utf8.DecodeRune(data[i:])
		sb.WriteRune(r)
		i += size
	}
	return sb.String(), data[i:]
}

// copyAttachments exports the container's attachments directory and
// uploads every regular file found there, keyed by its path relative to
// the attachments root.
func (r *Runner) copyAttachments(containerID, attachmentsDir string, attachments AttachmentUploader) {
	cp := r.Command(r.Config.Runtime, "cp", containerID+":/var/tmp/attachments/.", attachmentsDir)
	if err := cp.Run(); err != nil {
		if r.Log != nil {
			r.Log.WithError(err).Debug("no attachments directory in container")
		}
		return
	}

	_ = filepath.Walk(attachmentsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(attachmentsDir, path)
		if err != nil {
			return nil
		}
		data, err := ioutil.ReadFile(path)
		if err != nil {
			if r.Log != nil {
				r.Log.WithError(err).WithField("path", path).Warn("could not read attachment")
			}
			return nil
		}
		attachments.Write(rel, data)
		return nil
	})
}

// removeContainer force-removes the container unconditionally, matching
// the finally-block discipline in §4.7 step 8. Errors are logged, not
// propagated: cleanup must never mask the job's real outcome.
func (r *Runner) removeContainer(containerID string) {
	if containerID == "" {
		return
	}
	rm := r.Command(r.Config.Runtime, "rm", "--force", containerID)
	if err := rm.Run(); err != nil && r.Log != nil {
		r.Log.WithError(err).WithField("container", containerID).Warn("failed to remove container")
	}
}
