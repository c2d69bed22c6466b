package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/docscope/internal/naming"
	"github.com/starford/docscope/internal/storage"
)

const maxDocumentSize = 10 << 20 // 10 MB

var (
	knownExtensions = map[string]string{
		"text/plain":       ".txt",
		"text/markdown":    ".md",
		"text/html":        ".html",
		"text/csv":         ".csv",
		"application/json": ".json",
		"application/pdf":  ".pdf",
		"image/png":        ".png",
		"image/jpeg":       ".jpg",
		"image/gif":        ".gif",
		"image/webp":       ".webp",
		"image/svg+xml":    ".svg",
	}

	safeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9 ._-]`)

	// fetchTimeout bounds a single download including redirects.
	fetchTimeout = 30 * time.Second
)

type fetchResult struct {
	Path string `json:"path"`
	URL  string `json:"url"`
	Size int    `json:"size"`
}

func (s *Server) fetchDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sc, err := s.scopeArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawURL, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	folder, err := folderArg(sc, optionalString(req, "folder"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var (
		data        []byte
		detectedExt string
	)
	if strings.HasPrefix(rawURL, "data:") {
		data, detectedExt, err = decodeDataURI(rawURL)
	} else {
		data, detectedExt, err = fetchHTTP(ctx, rawURL)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(data) > maxDocumentSize {
		return mcp.NewToolResultError(fmt.Sprintf("file too large: %d bytes (max %d)", len(data), maxDocumentSize)), nil
	}

	filename := optionalString(req, "filename")
	if filename == "" {
		filename = filenameFromURL(rawURL, detectedExt)
	}
	base, ext := naming.Split(sanitizeFilename(filename))

	f, err := sc.CreateDocument(ctx, folder, base, ext, func(ctx context.Context, b storage.Backend, rel string) (string, error) {
		return "", b.Create(ctx, rel, bytes.NewReader(data))
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save document: %v", err)), nil
	}

	out, _ := json.Marshal(fetchResult{Path: f.RelativePath(), URL: f.URL(), Size: len(data)})
	return mcp.NewToolResultText(string(out)), nil
}

func extensionFor(mediaType string) string {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return ""
	}
	return knownExtensions[mt]
}

// decodeDataURI parses a data:[<mediatype>][;base64],<data> URI.
func decodeDataURI(uri string) ([]byte, string, error) {
	rest := strings.TrimPrefix(uri, "data:")
	commaIdx := strings.Index(rest, ",")
	if commaIdx < 0 {
		return nil, "", fmt.Errorf("invalid data URI: missing comma separator")
	}

	meta := rest[:commaIdx]
	encoded := rest[commaIdx+1:]

	if !strings.Contains(meta, ";base64") {
		return nil, "", fmt.Errorf("only base64 data URIs are supported")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("invalid base64 data: %w", err)
		}
	}

	return data, extensionFor(strings.TrimSuffix(meta, ";base64")), nil
}

// fetchHTTP downloads a document from an HTTP/HTTPS URL with security checks.
func fetchHTTP(ctx context.Context, rawURL string) ([]byte, string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported scheme: %s (only http/https)", parsed.Scheme)
	}

	if err := checkBlockedHost(parsed.Hostname()); err != nil {
		return nil, "", err
	}

	client := &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (max 5)")
			}
			return checkBlockedHost(req.URL.Hostname())
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxDocumentSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read body failed: %w", err)
	}
	if len(data) > maxDocumentSize {
		return nil, "", fmt.Errorf("file too large: exceeds %d bytes", maxDocumentSize)
	}

	return data, extensionFor(resp.Header.Get("Content-Type")), nil
}

// checkBlockedHost rejects loopback and cloud metadata addresses.
func checkBlockedHost(host string) error {
	if host == "metadata.google.internal" {
		return fmt.Errorf("blocked host: %s", host)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, lookupErr := net.LookupIP(host)
		if lookupErr != nil || len(ips) == 0 {
			return nil //nolint:nilerr // let http.Client handle DNS failures
		}
		ip = ips[0]
	}

	if ip.IsLoopback() {
		return fmt.Errorf("blocked host: loopback address %s", host)
	}
	// AWS/GCP/Azure metadata endpoint.
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return fmt.Errorf("blocked host: cloud metadata address %s", host)
	}
	return nil
}

// filenameFromURL tries to extract a filename from a URL, falling back to UUID.
func filenameFromURL(rawURL string, fallbackExt string) string {
	ext := fallbackExt
	if ext == "" {
		ext = ".bin"
	}
	if strings.HasPrefix(rawURL, "data:") {
		return uuid.New().String() + ext
	}

	parsed, err := url.Parse(rawURL)
	if err == nil {
		base := path.Base(parsed.Path)
		if base != "" && base != "." && base != "/" && strings.Contains(base, ".") {
			if unescaped, uErr := url.PathUnescape(base); uErr == nil {
				return unescaped
			}
			return base
		}
	}
	return uuid.New().String() + ext
}

// sanitizeFilename strips path separators and unsafe characters.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = safeFilenameRe.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ". ")
	if name == "" {
		name = uuid.New().String()
	}
	return name
}
