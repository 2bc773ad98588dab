// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the lowercase hex SHA-256 of a serialized body.
func Digest(serializedBody string) string {
	sum := sha256.Sum256([]byte(serializedBody))
	return hex.EncodeToString(sum[:])
}

// NewContent builds an unsaved content row for body.
func NewContent(serializedBody string) *QueryContent {
	return &QueryContent{
		SerializedBody: serializedBody,
		Digest:         Digest(serializedBody),
	}
}
