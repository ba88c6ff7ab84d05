package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gaspardpetit/syncbridge/internal/logx"
)

// MaxImageBytes bounds images read by upload_image.
const MaxImageBytes = 32 << 20

// NewMCPServer exposes the catalog as MCP tools.
func NewMCPServer(c *Client, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"syncbridge",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.AddTool(mcp.NewTool("list_platforms",
		mcp.WithDescription("List the publishing platforms the browser extension supports and whether each is logged in."),
		mcp.WithBoolean("forceRefresh", mcp.Description("Re-check login state instead of using the extension's cache.")),
	), c.handleListPlatforms)
	s.AddTool(mcp.NewTool("check_auth",
		mcp.WithDescription("Check whether the browser is logged in to a platform."),
		mcp.WithString("platform", mcp.Required(), mcp.Description("Platform id, as returned by list_platforms.")),
	), c.handleCheckAuth)
	s.AddTool(mcp.NewTool("sync_article",
		mcp.WithDescription("Publish an article as a draft on one or more platforms using the browser's sessions."),
		mcp.WithArray("platforms", mcp.Required(), mcp.Description("Platform ids."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("article", mcp.Required(), mcp.Description("Article to publish."), mcp.Properties(map[string]any{
			"title":    map[string]any{"type": "string"},
			"content":  map[string]any{"type": "string", "description": "HTML body"},
			"markdown": map[string]any{"type": "string", "description": "Markdown body"},
			"cover":    map[string]any{"type": "string", "description": "Cover image URL"},
			"summary":  map[string]any{"type": "string"},
		})),
	), c.handleSyncArticle)
	s.AddTool(mcp.NewTool("extract_article",
		mcp.WithDescription("Extract the article from a page, or from the active tab when no url is given."),
		mcp.WithString("url", mcp.Description("Page URL.")),
	), c.handleExtractArticle)
	s.AddTool(mcp.NewTool("upload_image",
		mcp.WithDescription("Upload an image to a platform's media storage through the browser and return its URL."),
		mcp.WithString("platform", mcp.Required(), mcp.Description("Platform id.")),
		mcp.WithString("data", mcp.Description("Base64 image bytes. Either data or path is required.")),
		mcp.WithString("path", mcp.Description("Local file path of the image.")),
		mcp.WithString("mimeType", mcp.Description("MIME type; detected from the bytes when omitted.")),
	), c.handleUploadImage)
	s.AddTool(mcp.NewTool("bridge_status",
		mcp.WithDescription("Report whether the browser extension is connected and what is in flight."),
	), c.handleStatus)
	return s
}

// NewMCPHandler serves s over the streamable HTTP transport.
func NewMCPHandler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s)
}

// ServeStdio serves s on stdin/stdout until ctx ends or stdin closes.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s).Listen(ctx, in, out)
}

func (c *Client) handleListPlatforms(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p ListPlatformsParams
	if err := req.BindArguments(&p); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	res, err := c.ListPlatforms(ctx, p.ForceRefresh)
	return toolResult(req, res, err)
}

func (c *Client) handleCheckAuth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p CheckAuthParams
	if err := req.BindArguments(&p); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if p.Platform == "" {
		return mcp.NewToolResultError("platform is required"), nil
	}
	res, err := c.CheckAuth(ctx, p.Platform)
	return toolResult(req, res, err)
}

func (c *Client) handleSyncArticle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p SyncArticleParams
	if err := req.BindArguments(&p); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if len(p.Platforms) == 0 {
		return mcp.NewToolResultError("at least one platform is required"), nil
	}
	if p.Article.Title == "" || (p.Article.Content == "" && p.Article.Markdown == "") {
		return mcp.NewToolResultError("article needs a title and a content or markdown body"), nil
	}
	res, err := c.SyncArticle(ctx, p.Platforms, p.Article)
	return toolResult(req, res, err)
}

func (c *Client) handleExtractArticle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p ExtractArticleParams
	if err := req.BindArguments(&p); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	res, err := c.ExtractArticle(ctx, p.URL)
	return toolResult(req, res, err)
}

func (c *Client) handleUploadImage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p UploadImageParams
	if err := req.BindArguments(&p); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if p.Platform == "" {
		return mcp.NewToolResultError("platform is required"), nil
	}
	data, err := p.bytes()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := c.UploadImage(ctx, p.Platform, data, p.MimeType)
	return toolResult(req, res, err)
}

func (c *Client) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolResult(req, c.Status(), nil)
}

func (p UploadImageParams) bytes() ([]byte, error) {
	switch {
	case p.Data != "" && p.Path != "":
		return nil, errors.New("set either data or path, not both")
	case p.Data != "":
		b, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return nil, fmt.Errorf("data is not valid base64: %w", err)
		}
		return b, nil
	case p.Path != "":
		st, err := os.Stat(p.Path)
		if err != nil {
			return nil, err
		}
		if st.Size() > MaxImageBytes {
			return nil, fmt.Errorf("%s is larger than %d bytes", p.Path, MaxImageBytes)
		}
		return os.ReadFile(p.Path)
	default:
		return nil, errors.New("data or path is required")
	}
}

func toolResult(req mcp.CallToolRequest, v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		logx.Log.Debug().Err(err).Str("component", "tools").Str("tool", req.Params.Name).Msg("tool call failed")
		return mcp.NewToolResultError(Explain(err)), nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
