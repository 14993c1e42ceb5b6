// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package codec implements the large-message codec: it encodes a
// TaskMessage into a queue-sized envelope, off-loading the payload to
// blob storage when it exceeds the underlying queue's byte budget.
package codec

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ManuGH/taskhub/internal/blobstore"
	"github.com/ManuGH/taskhub/internal/taskmsg"
	"github.com/google/uuid"
)

// DefaultThresholdBytes is the inline-vs-blob cutover used when no
// explicit threshold is configured, chosen to stay comfortably under a
// 64 KiB cloud queue message limit once JSON and envelope overhead are
// accounted for.
const DefaultThresholdBytes = 60 * 1024

// Envelope is what actually travels through the MessageQueue. Exactly
// one of Inline or BlobName is set.
type Envelope struct {
	Inline   json.RawMessage `json:"inline,omitempty"`
	BlobName string          `json:"blobName,omitempty"`
}

// Codec encodes/decodes TaskMessage payloads, transparently off-loading
// large ones to a Store.
type Codec struct {
	store     blobstore.Store
	threshold int
}

// New returns a Codec backed by store, off-loading any serialized
// message larger than thresholdBytes. A thresholdBytes of 0 selects
// DefaultThresholdBytes.
func New(store blobstore.Store, thresholdBytes int) *Codec {
	if thresholdBytes <= 0 {
		thresholdBytes = DefaultThresholdBytes
	}
	return &Codec{store: store, threshold: thresholdBytes}
}

// Encode serializes msg. If the serialization fits within the
// configured threshold it is returned inline; otherwise it is
// gzip-compressed and written to the blob store under a
// content-addressable name, and the envelope names that blob instead.
func (c *Codec) Encode(ctx context.Context, msg taskmsg.TaskMessage) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("codec: marshal task message: %w", err)
	}

	if len(payload) <= c.threshold {
		return Envelope{Inline: payload}, nil
	}

	blobName := taskmsg.LargeMessageBlobPath(msg.Instance.InstanceID, uuid.New().String())

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(payload); err != nil {
		return Envelope{}, fmt.Errorf("codec: gzip payload for %q: %w", blobName, err)
	}
	if err := zw.Close(); err != nil {
		return Envelope{}, fmt.Errorf("codec: flush gzip payload for %q: %w", blobName, err)
	}

	if err := c.store.Put(ctx, blobName, gz.Bytes()); err != nil {
		return Envelope{}, fmt.Errorf("codec: write blob %q: %w", blobName, err)
	}

	return Envelope{BlobName: blobName}, nil
}

// Decode reconstructs a TaskMessage from an envelope, fetching and
// inflating the referenced blob when present. Any failure is wrapped in
// taskmsg.ErrPermanentDecode: redelivery will not fix a malformed
// envelope or a missing/corrupt blob.
func (c *Codec) Decode(ctx context.Context, env Envelope) (taskmsg.TaskMessage, error) {
	payload := []byte(env.Inline)

	if env.BlobName != "" {
		compressed, err := c.store.Get(ctx, env.BlobName)
		if err != nil {
			return taskmsg.TaskMessage{}, fmt.Errorf("%w: fetch blob %q: %v", taskmsg.ErrPermanentDecode, env.BlobName, err)
		}

		zr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return taskmsg.TaskMessage{}, fmt.Errorf("%w: open gzip for %q: %v", taskmsg.ErrPermanentDecode, env.BlobName, err)
		}
		defer zr.Close()

		payload, err = io.ReadAll(zr)
		if err != nil {
			return taskmsg.TaskMessage{}, fmt.Errorf("%w: inflate %q: %v", taskmsg.ErrPermanentDecode, env.BlobName, err)
		}
	}

	var msg taskmsg.TaskMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return taskmsg.TaskMessage{}, fmt.Errorf("%w: unmarshal: %v", taskmsg.ErrPermanentDecode, err)
	}
	return msg, nil
}

// DeleteBlob removes a previously off-loaded payload. Called after a
// checkpoint has successfully deleted the inbound message that
// referenced it; failures are logged by the caller and otherwise
// ignored (fire-and-forget cleanup).
func (c *Codec) DeleteBlob(ctx context.Context, blobName string) error {
	if blobName == "" {
		return nil
	}
	return c.store.Delete(ctx, blobName)
}
