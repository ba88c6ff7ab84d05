// Package tools is the closed catalog of extension methods the agent may
// invoke, with typed parameters and results, and its MCP rendering.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gaspardpetit/syncbridge/internal/bridge"
)

// Extension methods.
const (
	MethodListPlatforms  = "listPlatforms"
	MethodCheckAuth      = "checkAuth"
	MethodSyncArticle    = "syncArticle"
	MethodExtractArticle = "extractArticle"
)

var methods = []string{MethodListPlatforms, MethodCheckAuth, MethodSyncArticle, MethodExtractArticle}

// Methods lists the extension methods callers may invoke directly.
func Methods() []string { return append([]string(nil), methods...) }

// IsMethod reports whether name is part of the catalog.
func IsMethod(name string) bool {
	for _, m := range methods {
		if m == name {
			return true
		}
	}
	return false
}

// NotConnectedMessage tells the operator how to recover from a missing
// extension.
const NotConnectedMessage = "browser extension is not connected: make sure the browser is running, the extension is installed and its bridge token matches"

// Explain renders err for a human or an agent.
func Explain(err error) string {
	var re *bridge.RemoteError
	var seq *bridge.ChunkSequenceError
	switch {
	case errors.Is(err, bridge.ErrNotConnected):
		return NotConnectedMessage
	case errors.As(err, &seq):
		return fmt.Sprintf("image upload failed at chunk %d of %d: %s", seq.Index+1, seq.Total, Explain(seq.Err))
	case errors.Is(err, bridge.ErrTimeout):
		return "the browser extension did not answer in time; the page may still be loading, retry shortly"
	case errors.As(err, &re):
		return re.Message
	case errors.Is(err, bridge.ErrConnectionLost):
		return "the browser extension disconnected before answering; retry once it reconnects"
	case errors.Is(err, bridge.ErrBackpressure):
		return "too many requests are in flight; retry shortly"
	case err == nil:
		return ""
	default:
		return err.Error()
	}
}

// Bridge is the part of the bridge facade the catalog needs.
type Bridge interface {
	IsConnected() bool
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	UploadChunked(ctx context.Context, data []byte, mimeType, tag string) (json.RawMessage, error)
	Snapshot() bridge.Snapshot
}

// Client calls catalog methods with typed parameters and results.
type Client struct {
	b Bridge
}

// NewClient wraps b.
func NewClient(b Bridge) *Client { return &Client{b: b} }

// ListPlatforms returns the platforms the extension supports.
func (c *Client) ListPlatforms(ctx context.Context, forceRefresh bool) ([]Platform, error) {
	var out []Platform
	err := c.call(ctx, MethodListPlatforms, ListPlatformsParams{ForceRefresh: forceRefresh}, &out)
	return out, err
}

// CheckAuth reports whether the browser holds a session for platform.
func (c *Client) CheckAuth(ctx context.Context, platform string) (AuthStatus, error) {
	var out AuthStatus
	err := c.call(ctx, MethodCheckAuth, CheckAuthParams{Platform: platform}, &out)
	return out, err
}

// SyncArticle publishes article as drafts on platforms.
func (c *Client) SyncArticle(ctx context.Context, platforms []string, article Article) ([]SyncResult, error) {
	var out []SyncResult
	err := c.call(ctx, MethodSyncArticle, SyncArticleParams{Platforms: platforms, Article: article}, &out)
	return out, err
}

// ExtractArticle reads the article on url, or the active tab when url is
// empty.
func (c *Client) ExtractArticle(ctx context.Context, url string) (Article, error) {
	var out Article
	err := c.call(ctx, MethodExtractArticle, ExtractArticleParams{URL: url}, &out)
	return out, err
}

// UploadImage sends an image to the extension, which uploads it to platform.
func (c *Client) UploadImage(ctx context.Context, platform string, data []byte, mimeType string) (UploadResult, error) {
	res, err := c.b.UploadChunked(ctx, data, mimeType, platform)
	if err != nil {
		return UploadResult{}, err
	}
	return ParseUploadResult(res)
}

// Status returns the bridge snapshot.
func (c *Client) Status() bridge.Snapshot { return c.b.Snapshot() }

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	res, err := c.b.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if len(res) == 0 || string(res) == "null" {
		return nil
	}
	if err := json.Unmarshal(res, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// ParseUploadResult accepts either {"url": "..."} or a bare string.
func ParseUploadResult(raw json.RawMessage) (UploadResult, error) {
	var out UploadResult
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		if err := json.Unmarshal(raw, &out.URL); err != nil {
			return out, err
		}
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode upload result: %w", err)
	}
	if out.URL == "" {
		return out, errors.New("upload result carries no url")
	}
	return out, nil
}
