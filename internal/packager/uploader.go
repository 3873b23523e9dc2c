package packager

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DirUploader writes output files under a local manifest directory,
// creating segment subdirectories as needed.
type DirUploader struct {
	Root string
}

// Put writes data at relPath under the root directory.
func (u *DirUploader) Put(relPath string, data []byte) error {
	full := filepath.Join(u.Root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

// WebDAVUploader PUTs every written file to a CDN origin with the same
// relative path, authenticating with HTTP basic credentials.
type WebDAVUploader struct {
	BaseURL  string
	Username string
	Password string

	// Client defaults to a 10 s-timeout http.Client when nil.
	Client *http.Client
}

// Put uploads data to BaseURL/relPath.
func (u *WebDAVUploader) Put(relPath string, data []byte) error {
	target, err := url.JoinPath(u.BaseURL, relPath)
	if err != nil {
		return fmt.Errorf("packager: building upload URL for %q: %w", relPath, err)
	}

	req, err := http.NewRequest(http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if u.Username != "" {
		req.SetBasicAuth(u.Username, u.Password)
	}
	if strings.HasSuffix(relPath, ".m3u8") {
		req.Header.Set("Content-Type", "application/vnd.apple.mpegurl")
	} else if strings.HasSuffix(relPath, ".mpd") {
		req.Header.Set("Content-Type", "application/dash+xml")
	}

	client := u.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("packager: uploading %q: %w", relPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("packager: uploading %q: server returned %s", relPath, resp.Status)
	}
	return nil
}

// MultiUploader fans each Put out to every uploader, failing on the first
// error. Used to keep a local segment directory while mirroring to a CDN.
type MultiUploader []Uploader

// Put writes to every underlying uploader in order.
func (m MultiUploader) Put(relPath string, data []byte) error {
	for _, u := range m {
		if err := u.Put(relPath, data); err != nil {
			return err
		}
	}
	return nil
}
