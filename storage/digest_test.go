// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDigest(t *testing.T) {
	// sha256("") and sha256("abc") reference values.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Digest(""))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Digest("abc"))
}

func TestNewContent(t *testing.T) {
	c := NewContent(`{"display":"x"}`)

	assert.Zero(t, c.ID)
	assert.Equal(t, `{"display":"x"}`, c.SerializedBody)
	assert.Equal(t, Digest(`{"display":"x"}`), c.Digest)
	assert.Len(t, c.Digest, 64)
}
