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
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// S3Key is an access/secret key pair for AWS4-HMAC-SHA256 signing.
type S3Key struct {
	Access string
	Secret string
}

// sign produces the extra headers (including Authorization) required to
// send an AWS4-HMAC-SHA256-signed request, per spec §4.3. It is a pure
// function of its inputs plus wall-clock time: now is passed in
// explicitly so tests can pin it and so every retry can re-derive a
// current timestamp rather than caching a stale Authorization header.
func sign(method string, u *url.URL, headers map[string]string, checksum string, key S3Key, now time.Time) map[string]string {
	amzDate := now.UTC().Format("20060102T150405Z")

	signed := map[string]string{}
	for k, v := range headers {
		signed[strings.ToLower(k)] = v
	}
	signed["host"] = u.Host
	signed["x-amz-content-sha256"] = checksum
	signed["x-amz-date"] = amzDate

	names := make([]string, 0, len(signed))
	for k := range signed {
		names = append(names, k)
	}
	sort.Strings(names)

	var headerBlock strings.Builder
	for _, k := range names {
		headerBlock.WriteString(k)
		headerBlock.WriteByte(':')
		headerBlock.WriteString(signed[k])
		headerBlock.WriteByte('\n')
	}
	signedHeaderList := strings.Join(names, ";")

	credentialScope := fmt.Sprintf("%s/any/s3/aws4_request", amzDate[:8])

	signingKey := []byte("AWS4" + key.Secret)
	for _, part := range strings.Split(credentialScope, "/") {
		signingKey = hmacSHA256(signingKey, []byte(part))
	}

	canonicalRequest := strings.Join([]string{
		method,
		u.EscapedPath(),
		u.RawQuery,
		headerBlock.String(),
		signedHeaderList,
		checksum,
	}, "\n")
	requestHash := fmt.Sprintf("%x", sha256.Sum256([]byte(canonicalRequest)))

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		requestHash,
	}, "\n")

	signature := fmt.Sprintf("%x", hmacSHA256(signingKey, []byte(stringToSign)))

	signed["authorization"] = fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s,SignedHeaders=%s,Signature=%s",
		key.Access, credentialScope, signedHeaderList, signature,
	)

	return signed
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
