package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/syncbridge/internal/chunk"
	"github.com/gaspardpetit/syncbridge/internal/logx"
)

// Response is a canned answer for one method.
type Response struct {
	Result any           `yaml:"result"`
	Error  string        `yaml:"error"`
	Delay  time.Duration `yaml:"delay"`
}

// Fixtures maps method names to canned responses.
type Fixtures struct {
	Methods map[string]Response `yaml:"methods"`
}

// LoadFixtures reads fixtures from a YAML file.
func LoadFixtures(path string) (Fixtures, error) {
	var f Fixtures
	b, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	return f, nil
}

// Register installs a handler for every fixture method.
func (f Fixtures) Register(c *Client) {
	for method, r := range f.Methods {
		c.Handle(method, r.handler())
	}
}

func (r Response) handler() Handler {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		if r.Delay > 0 {
			select {
			case <-time.After(r.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if r.Error != "" {
			return nil, errors.New(r.Error)
		}
		return r.Result, nil
	}
}

// UploadResult is the artifact reference returned for a stored upload.
type UploadResult struct {
	URL string `json:"url"`
}

// DirStore writes completed uploads into a directory and returns file://
// URLs.
func DirStore(dir string) UploadFunc {
	return func(_ context.Context, up chunk.Upload) (any, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		mt := mimetype.Lookup(up.MimeType)
		if mt == nil {
			mt = mimetype.Detect(up.Data)
		}
		name := up.SessionID + mt.Extension()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, up.Data, 0o644); err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		logx.Log.Info().Str("component", "peer").Str("session_id", up.SessionID).Str("tag", up.Tag).Int("bytes", len(up.Data)).Str("path", abs).Msg("upload stored")
		return UploadResult{URL: "file://" + filepath.ToSlash(abs)}, nil
	}
}
