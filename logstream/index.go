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

// Package logstream implements the chunked log-streaming protocol (§4.5)
// and the attachments index (§4.6).
package logstream

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockpit-project/job-runner/store"
)

// Index tracks the set of filenames uploaded under a slug and publishes
// a minimal HTML directory listing at index.html. It is write-only from
// the runner's side: deletion via the index is not supported, since the
// container runner never deletes attachments mid-job.
type Index struct {
	Destination store.Destination

	filename string
	mu       sync.Mutex
	files    map[string]struct{}
	dirty    bool
}

// NewIndex wraps destination with an attachments index.
func NewIndex(destination store.Destination) *Index {
	return &Index{
		Destination: destination,
		filename:    "index.html",
		files:       map[string]struct{}{},
		dirty:       true,
	}
}

// Has answers membership from the in-memory set, without any network call.
func (idx *Index) Has(name string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.files[name]
	return ok
}

// Write uploads data via the underlying destination and marks the index
// dirty.
func (idx *Index) Write(name string, data []byte) {
	idx.Destination.Write(name, data)
	idx.mu.Lock()
	idx.files[name] = struct{}{}
	idx.dirty = true
	idx.mu.Unlock()
}

// Sync renders a new directory listing if and only if the dirty flag is
// set, then clears it.
func (idx *Index) Sync() {
	idx.mu.Lock()
	if !idx.dirty {
		idx.mu.Unlock()
		return
	}
	names := make([]string, 0, len(idx.files))
	for name := range idx.files {
		names = append(names, name)
	}
	sort.Strings(names)
	idx.dirty = false
	idx.mu.Unlock()

	var body strings.Builder
	body.WriteString("<html>\n  <body>\n    <h1>Directory listing for /</h1>\n    <hr>\n    <ul>")
	for _, name := range names {
		fmt.Fprintf(&body, "\n      <li><a href=%s>%s</a></li> ", name, name)
	}
	body.WriteString("\n    </ul>\n  </body>\n</html>\n")

	idx.Destination.Write(idx.filename, []byte(body.String()))
}
