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

package container

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/cockpit-project/job-runner/forge"
)

// recordingWriter accumulates every Write call, for assertions on log
// content without any real object store.
type recordingWriter struct {
	mu   sync.Mutex
	text strings.Builder
}

func (w *recordingWriter) Write(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.text.WriteString(text)
}

func (w *recordingWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.text.String()
}

type recordingUploader struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newRecordingUploader() *recordingUploader {
	return &recordingUploader{files: map[string][]byte{}}
}

func (u *recordingUploader) Write(name string, data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.files[name] = data
}

type noFilesForge struct{}

func (noFilesForge) ResolveSubject(ctx context.Context, spec forge.SubjectSpecification) (forge.Subject, error) {
	return forge.Subject{}, nil
}
func (noFilesForge) CheckPRChanged(ctx context.Context, repo string, pull int, sha string) (string, error) {
	return "", nil
}
func (noFilesForge) GetStatus(repo, sha, context, link string) forge.Status { return nil }
func (noFilesForge) OpenIssue(ctx context.Context, repo string, issue map[string]interface{}) error {
	return nil
}
func (noFilesForge) ReadFile(ctx context.Context, subject forge.Subject, filename string) (string, bool, error) {
	return "", false, nil
}
func (noFilesForge) CloneURL(repo string) string { return "https://example.test/" + repo + ".git" }

// fakeCommand builds an r.Command replacement that runs a tiny shell
// script standing in for a container runtime: "run" writes a fixed
// container id to the --cidfile path, prints stdout and exits with
// exitCode; "cp" creates a fixed attachment
// file at the destination; "rm" just exits 0.
func fakeCommand(exitCode int, stdout string) func(string, ...string) *exec.Cmd {
	script := `
case "$1" in
  run)
    for arg in "$@"; do
      case "$arg" in
        --cidfile=*) echo -n deadbeef > "${arg#--cidfile=}" ;;
      esac
    done
    printf '%s' "$OUT"
    exit "$CODE"
    ;;
  cp)
    dest="$3"
    mkdir -p "$dest"
    echo "attachment-body" > "$dest/result.txt"
    exit 0
    ;;
  rm)
    exit 0
    ;;
esac
`
	return func(name string, args ...string) *exec.Cmd {
		cmd := exec.Command("sh", "-c", script, "sh")
		cmd.Args = append(cmd.Args, args...)
		cmd.Env = append(os.Environ(), "CODE="+itoa(exitCode), "OUT="+stdout)
		return cmd
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestRunSuccessStreamsOutputAndAttachments(t *testing.T) {
	runner := NewRunner(Config{Runtime: "podman", DefaultImage: "fedora:latest"}, noFilesForge{}, nil, "https://logs.test/o/r/job/log.html")
	runner.Command = fakeCommand(0, "hello from container")

	stream := &recordingWriter{}
	attachments := newRecordingUploader()

	err := runner.Run(context.Background(), forge.Subject{SHA: "abc123", CloneURL: "https://example.test/o/r.git"}, "", nil, nil, nil, stream, attachments)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stream.String(), "hello from container") {
		t.Fatalf("log missing container output: %q", stream.String())
	}
	if !strings.Contains(stream.String(), "Using image fedora:latest") {
		t.Fatalf("log missing image line: %q", stream.String())
	}
	if _, ok := attachments.files["result.txt"]; !ok {
		t.Fatal("attachment was not uploaded")
	}
}

func TestRunNonZeroExitIsExitFailure(t *testing.T) {
	runner := NewRunner(Config{Runtime: "podman", DefaultImage: "fedora:latest"}, noFilesForge{}, nil, "https://logs.test/log.html")
	runner.Command = fakeCommand(7, "boom")

	stream := &recordingWriter{}
	err := runner.Run(context.Background(), forge.Subject{SHA: "abc123", CloneURL: "https://example.test/o/r.git"}, "", nil, nil, nil, stream, newRecordingUploader())

	exitErr, ok := err.(*ExitFailure)
	if !ok {
		t.Fatalf("expected *ExitFailure, got %T (%v)", err, err)
	}
	if exitErr.Code != 7 {
		t.Fatalf("expected exit code 7, got %d", exitErr.Code)
	}
}

func TestRunMissingCidfileIsInternalError(t *testing.T) {
	runner := NewRunner(Config{Runtime: "podman", DefaultImage: "fedora:latest"}, noFilesForge{}, nil, "https://logs.test/log.html")
	// This fake never writes the cidfile at all.
	runner.Command = func(name string, args ...string) *exec.Cmd {
		return exec.Command("true")
	}

	err := runner.Run(context.Background(), forge.Subject{SHA: "abc123", CloneURL: "https://example.test/o/r.git"}, "", nil, nil, nil, &recordingWriter{}, newRecordingUploader())
	if err == nil || !strings.Contains(err.Error(), "never created") {
		t.Fatalf("expected container-not-created error, got %v", err)
	}
	if _, ok := err.(*ExitFailure); ok {
		t.Fatal("missing cidfile must not be classified as a job failure")
	}
}

func TestBuildArgsSecretsAndEnv(t *testing.T) {
	runner := NewRunner(Config{
		Runtime:      "podman",
		RunArgs:      []string{"--rm"},
		DefaultImage: "fedora:latest",
		Secrets:      map[string][]string{"github-token": {"--secret", "github-token"}},
	}, noFilesForge{}, nil, "https://logs.test/log.html")

	args := runner.buildArgs("/tmp/cidfile", map[string]string{"FOO": "bar"}, []string{"github-token"}, "fedora:latest", forge.Subject{SHA: "deadbeef", Rebase: "main", CloneURL: "https://example.test/o/r.git"}, []string{"make", "check"})

	joined := strings.Join(args, " ")
	for _, want := range []string{"--init", "--rm", "--cidfile=/tmp/cidfile", "--env=FOO=bar", "--env=TEST_ATTACHMENTS=/var/tmp/attachments", "--secret github-token", "fedora:latest", "--revision=deadbeef", "--rebase=main", "https://example.test/o/r.git", "-- make check"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
}

func TestResolveImageFallsBackToRepoFile(t *testing.T) {
	f := fakeFileForge{content: "quay.io/custom/image:tag\n"}
	runner := NewRunner(Config{Runtime: "podman", DefaultImage: "fedora:latest"}, f, nil, "")

	image, err := runner.resolveImage(context.Background(), forge.Subject{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if image != "quay.io/custom/image:tag" {
		t.Fatalf("expected trimmed repo image, got %q", image)
	}
}

func TestDecodeUTF8HoldsBackSplitSequenceUntilFinal(t *testing.T) {
	// "é" (U+00E9) is the two-byte sequence 0xC3 0xA9; split across a
	// chunk boundary the way a 1MiB pipe.Read could split it.
	first, pending := decodeUTF8([]byte("caf\xc3"), false)
	if first != "caf" {
		t.Fatalf("expected the incomplete byte to be held back, got %q", first)
	}
	if string(pending) != "\xc3" {
		t.Fatalf("expected the lead byte to be carried over, got %q", pending)
	}

	second, pending := decodeUTF8(append(pending, 0xa9), false)
	if second != "é" || len(pending) != 0 {
		t.Fatalf("expected the sequence to complete to %q, got %q (pending %q)", "é", second, pending)
	}
}

func TestDecodeUTF8ReplacesInvalidBytes(t *testing.T) {
	decoded, pending := decodeUTF8([]byte("ok\xffmore"), false)
	if !strings.Contains(decoded, "ok�more") || len(pending) != 0 {
		t.Fatalf("expected invalid byte replaced inline, got %q (pending %q)", decoded, pending)
	}
}

func TestDecodeUTF8FlushesIncompleteTailOnFinal(t *testing.T) {
	decoded, pending := decodeUTF8([]byte("caf\xc3"), true)
	if decoded != "caf�" || len(pending) != 0 {
		t.Fatalf("expected a trailing incomplete sequence flushed as U+FFFD at EOF, got %q (pending %q)", decoded, pending)
	}
}

type fakeFileForge struct {
	noFilesForge
	content string
}

func (f fakeFileForge) ReadFile(ctx context.Context, subject forge.Subject, filename string) (string, bool, error) {
	if filename == ".cockpit-ci/container" {
		return f.content, true, nil
	}
	return "", false, nil
}
