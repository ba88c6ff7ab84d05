package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/gaspardpetit/syncbridge/internal/chunk"
	"github.com/gaspardpetit/syncbridge/internal/logx"
	"github.com/gaspardpetit/syncbridge/internal/metrics"
	"github.com/gaspardpetit/syncbridge/internal/wire"
)

// UploadInfo is the sender-side progress of one chunked upload.
type UploadInfo struct {
	SessionID string    `json:"session_id"`
	Tag       string    `json:"tag"`
	MimeType  string    `json:"mime_type"`
	Size      int       `json:"size"`
	Chunks    int       `json:"chunks"`
	Sent      int       `json:"sent"`
	StartedAt time.Time `json:"started_at"`
}

// UploadChunked transfers data to the extension as a sequence of chunk calls,
// each awaited before the next, followed by a completion call whose result is
// returned. A failed chunk aborts the upload with a *ChunkSequenceError and
// no completion call is sent. An empty mimeType is detected from the data.
func (b *Bridge) UploadChunked(ctx context.Context, data []byte, mimeType, tag string) (json.RawMessage, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	c, err := b.endpoint.Current()
	if err != nil {
		return nil, err
	}
	if !b.uploads.TryAcquire(1) {
		return nil, ErrBackpressure
	}
	defer b.uploads.Release(1)
	defer b.opts.Inflight.Hold()()

	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	parts := chunk.Split(data, b.opts.ChunkSize)
	info := &UploadInfo{
		SessionID: uuid.NewString(),
		Tag:       tag,
		MimeType:  mimeType,
		Size:      len(data),
		Chunks:    len(parts),
		StartedAt: time.Now(),
	}
	b.trackUpload(info)
	defer b.untrackUpload(info.SessionID)

	log := logx.Log.With().Str("component", "bridge.upload").Str("session_id", info.SessionID).Str("conn_id", c.ID()).Logger()
	log.Debug().Int("bytes", len(data)).Int("chunks", len(parts)).Str("mime", mimeType).Str("tag", tag).Msg("upload started")

	for i, part := range parts {
		params := wire.ChunkParams{
			SessionID: info.SessionID,
			Index:     i,
			Total:     len(parts),
			MimeType:  mimeType,
			Tag:       tag,
			Data:      chunk.Encode(part),
		}
		if _, err := b.corr.Issue(ctx, c, wire.MethodChunk, params, b.opts.ChunkTimeout); err != nil {
			metrics.RecordUploadChunk(false)
			metrics.RecordUpload(tag, len(data), false)
			log.Warn().Err(err).Int("index", i).Msg("upload aborted")
			return nil, &ChunkSequenceError{SessionID: info.SessionID, Index: i, Total: len(parts), Reason: "chunk call failed", Err: err}
		}
		metrics.RecordUploadChunk(true)
		b.uploadProgress(info.SessionID, i+1)
	}

	res, err := b.corr.Issue(ctx, c, wire.MethodComplete, wire.CompleteParams{
		SessionID: info.SessionID,
		MimeType:  mimeType,
		Tag:       tag,
		Size:      len(data),
	}, b.opts.ChunkTimeout)
	if err != nil {
		metrics.RecordUpload(tag, len(data), false)
		log.Warn().Err(err).Msg("upload completion failed")
		return nil, fmt.Errorf("complete upload %s: %w", info.SessionID, err)
	}
	metrics.RecordUpload(tag, len(data), true)
	log.Info().Int("bytes", len(data)).Msg("upload complete")
	return res, nil
}

func (b *Bridge) trackUpload(u *UploadInfo) {
	b.mu.Lock()
	b.sessions[u.SessionID] = u
	b.mu.Unlock()
}

func (b *Bridge) untrackUpload(id string) {
	b.mu.Lock()
	delete(b.sessions, id)
	b.mu.Unlock()
}

func (b *Bridge) uploadProgress(id string, sent int) {
	b.mu.Lock()
	if u, ok := b.sessions[id]; ok {
		u.Sent = sent
	}
	b.mu.Unlock()
}
