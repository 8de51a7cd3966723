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

// Package store implements the object-store destinations (§4.3) and the
// upload queue (§4.4) that back log streaming and attachment uploads.
package store

import "context"

// Destination is a writable view of the object store at one slug: a
// named location to which blobs can be written and deleted, and from
// which public URLs can be formed.
type Destination interface {
	// Write uploads data under filename. Implementations that queue
	// uploads (S3) return once the write is enqueued, not once it lands.
	Write(filename string, data []byte)

	// Delete removes filenames. Implementations that queue deletes
	// return once the deletes are enqueued.
	Delete(filenames []string)

	// URL returns the public URL for filename under this destination.
	URL(filename string) string

	// ProxyURL returns the URL to use for external links (forge
	// statuses), which may differ from URL when the write endpoint is
	// private. Destinations without a separate proxy return the same
	// value as URL.
	ProxyURL(filename string) string

	// Close drains any in-flight uploads before returning. It must be
	// called exactly once, after the destination is no longer needed.
	Close(ctx context.Context)
}

// Driver opens destinations for a slug.
type Driver interface {
	GetDestination(slug string) Destination
}
