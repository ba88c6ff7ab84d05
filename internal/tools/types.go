package tools

// Platform is a publishing site the extension can drive.
type Platform struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Homepage        string `json:"homepage,omitempty"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	Username        string `json:"username,omitempty"`
}

// AuthStatus is the login state of one platform.
type AuthStatus struct {
	Platform        string `json:"platform"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	Username        string `json:"username,omitempty"`
	Avatar          string `json:"avatar,omitempty"`
}

// Article is the content synced to platforms.
type Article struct {
	Title    string `json:"title"`
	Content  string `json:"content,omitempty"`
	Markdown string `json:"markdown,omitempty"`
	Cover    string `json:"cover,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

// SyncResult is the outcome of publishing to one platform.
type SyncResult struct {
	Platform string `json:"platform"`
	Success  bool   `json:"success"`
	PostID   string `json:"postId,omitempty"`
	DraftURL string `json:"draftUrl,omitempty"`
	Error    string `json:"error,omitempty"`
}

// UploadResult is the artifact reference of an uploaded image.
type UploadResult struct {
	URL string `json:"url"`
}

type ListPlatformsParams struct {
	ForceRefresh bool `json:"forceRefresh,omitempty"`
}

type CheckAuthParams struct {
	Platform string `json:"platform"`
}

type SyncArticleParams struct {
	Platforms []string `json:"platforms"`
	Article   Article  `json:"article"`
}

type ExtractArticleParams struct {
	URL string `json:"url,omitempty"`
}

// UploadImageParams is accepted by the upload_image tool. Exactly one of
// Data (base64) or Path must be set.
type UploadImageParams struct {
	Platform string `json:"platform"`
	Data     string `json:"data,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}
