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
	"errors"
	"testing"
)

func TestTimeoutMinutesDefaults(t *testing.T) {
	s := &Spec{}
	if s.TimeoutMinutes() != DefaultTimeoutMinutes {
		t.Fatalf("expected default of %d, got %d", DefaultTimeoutMinutes, s.TimeoutMinutes())
	}
	s.Timeout = 5
	if s.TimeoutMinutes() != 5 {
		t.Fatalf("expected explicit timeout to win, got %d", s.TimeoutMinutes())
	}
}

func TestCommandSubjectSpecificationFallsBackToOwnSubject(t *testing.T) {
	s := &Spec{Repo: "o/r", SHA: "abc"}
	if got := s.CommandSubjectSpecification(); got.Repo != "o/r" || got.SHA != "abc" {
		t.Fatalf("expected fallback to own subject, got %+v", got)
	}

	pull := 3
	s.CommandSubject = &Spec{Repo: "o/other", Pull: &pull}
	got := s.CommandSubjectSpecification()
	if got.Repo != "o/other" || got.Pull == nil || *got.Pull != 3 {
		t.Fatalf("expected command subject to win, got %+v", got)
	}
}

func TestDefaultSlugAndTitle(t *testing.T) {
	s := &Spec{Repo: "o/r", Context: "fedora/unit"}
	if got, want := s.DefaultSlug("deadbeef"), "o/r/fedora/unit/deadbeef"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, want := s.DefaultTitle("deadbeef"), "fedora/unit @ deadbeef"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWrapInternalIsIdempotentAndPreservesFailure(t *testing.T) {
	plain := errors.New("boom")
	wrapped := WrapInternal(plain)
	if _, ok := wrapped.(*InternalError); !ok {
		t.Fatalf("expected *InternalError, got %T", wrapped)
	}
	if WrapInternal(wrapped) != wrapped {
		t.Fatal("expected WrapInternal to be a no-op on an already-internal error")
	}

	failure := NewFailure("timeout after %d minutes", 5)
	if WrapInternal(failure) != failure {
		t.Fatal("expected WrapInternal to leave a *Failure untouched")
	}
	if WrapInternal(nil) != nil {
		t.Fatal("expected WrapInternal(nil) to return nil")
	}
}
