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

package store

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
)

func TestLocalDestinationWriteAndDelete(t *testing.T) {
	dir := t.TempDir()
	driver := NewLocalDriver(dir, "http://logs.example.test", nil)
	dest := driver.GetDestination("o/r/job/abc")

	dest.Write("log.chunks", []byte("[1,2,3]"))

	got, err := ioutil.ReadFile(filepath.Join(dir, "o/r/job/abc", "log.chunks"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "[1,2,3]" {
		t.Fatalf("unexpected content: %s", got)
	}

	if url := dest.URL("log.chunks"); url != "http://logs.example.test/o/r/job/abc/log.chunks" {
		t.Fatalf("unexpected URL: %s", url)
	}

	dest.Delete([]string{"log.chunks"})
	if _, err := ioutil.ReadFile(filepath.Join(dir, "o/r/job/abc", "log.chunks")); err == nil {
		t.Fatal("expected file to be deleted")
	}

	dest.Close(context.Background())
}
