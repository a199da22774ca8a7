// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package gitobj

// Blob is raw file content; it carries no structure beyond its bytes, so it
// has no encode/decode step of its own — payload bytes are the wire form.
type Blob struct {
	Content []byte
}
