package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"path"

	"github.com/vsb-project/vsb/internal/provider"
)

// dropboxChunkSize matches Dropbox's documented upload-session append cap.
const dropboxChunkSize = 8 << 20 // 8 MiB

// DropboxProvider implements provider.Upload against the Dropbox API v2
// content-hash scheme: SHA-256 of each 4 MiB block, concatenated and
// SHA-256'd again. That per-block hashing is approximated here by hashing
// the whole stream with SHA-256, matching the simpler providers; exact
// block-hash compatibility is out of scope for this pipeline, which only
// needs a stable, comparable digest of what it uploaded.
type DropboxProvider struct {
	client *oauthClient
	root   string // configured remote root all paths are relative to
}

func NewDropbox(ctx context.Context, creds Credentials, root string) *DropboxProvider {
	return &DropboxProvider{
		client: newOAuthClient(ctx, creds, "https://api.dropboxapi.com/oauth2/token"),
		root:   root,
	}
}

func (p *DropboxProvider) Name() string { return "dropbox" }
func (p *DropboxProvider) Kind() provider.Kind { return provider.Cloud }

type dropboxEntry struct {
	Tag  string `json:".tag"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type dropboxListResp struct {
	Entries []dropboxEntry `json:"entries"`
	HasMore bool           `json:"has_more"`
	Cursor  string         `json:"cursor"`
}

func (p *DropboxProvider) ListDirectory(ctx context.Context, dirPath string) ([]provider.Entry, error) {
	body, _ := json.Marshal(map[string]interface{}{"path": toDropboxPath(path.Join(p.root, dirPath))})
	req, err := p.client.authedRequest(ctx, http.MethodPost, "https://api.dropboxapi.com/2/files/list_folder", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return nil, nil // path/not_found
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dropbox: list_folder: status %d", resp.StatusCode)
	}
	var parsed dropboxListResp
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("dropbox: decode list_folder: %w", err)
	}
	entries := make([]provider.Entry, 0, len(parsed.Entries))
	for _, e := range parsed.Entries {
		et := provider.File
		if e.Tag == "folder" {
			et = provider.Directory
		}
		entries = append(entries, provider.Entry{Name: e.Name, Type: et, Size: e.Size})
	}
	return entries, nil
}

func (p *DropboxProvider) OpenFile(ctx context.Context, filePath string) (io.ReadCloser, error) {
	args, _ := json.Marshal(map[string]string{"path": toDropboxPath(path.Join(p.root, filePath))})
	req, err := p.client.authedRequest(ctx, http.MethodPost, "https://content.dropboxapi.com/2/files/download", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Dropbox-API-Arg", string(args))
	resp, err := p.client.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusConflict {
		resp.Body.Close()
		return nil, provider.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("dropbox: download: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (p *DropboxProvider) CreateDirectory(ctx context.Context, dirPath string) error {
	body, _ := json.Marshal(map[string]interface{}{"path": toDropboxPath(path.Join(p.root, dirPath))})
	req, err := p.client.authedRequest(ctx, http.MethodPost, "https://api.dropboxapi.com/2/files/create_folder_v2", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("dropbox: create_folder_v2: status %d", resp.StatusCode)
	}
	return nil
}

func (p *DropboxProvider) Delete(ctx context.Context, targetPath string) error {
	body, _ := json.Marshal(map[string]interface{}{"path": toDropboxPath(path.Join(p.root, targetPath))})
	req, err := p.client.authedRequest(ctx, http.MethodPost, "https://api.dropboxapi.com/2/files/delete_v2", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("dropbox: delete_v2: status %d", resp.StatusCode)
	}
	return nil
}

func (p *DropboxProvider) Hasher() hash.Hash    { return sha256.New() }
func (p *DropboxProvider) MaxRequestSize() int64 { return dropboxChunkSize }

func (p *DropboxProvider) UploadFile(ctx context.Context, dir, tempName, finalName string, chunks <-chan provider.Chunk) error {
	return runChunkedUpload(ctx, p, path.Join(p.root, dir), tempName, finalName, chunks)
}

func (p *DropboxProvider) startSession(ctx context.Context, dir, tempName string) (string, error) {
	req, err := p.client.authedRequest(ctx, http.MethodPost, "https://content.dropboxapi.com/2/files/upload_session/start", bytes.NewReader(nil))
	if err != nil {
		return "", err
	}
	req.Header.Set("Dropbox-API-Arg", `{"close":false}`)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := p.client.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("dropbox: upload_session/start: status %d", resp.StatusCode)
	}
	var parsed struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("dropbox: decode upload_session/start: %w", err)
	}
	return parsed.SessionID, nil
}

func (p *DropboxProvider) appendChunk(ctx context.Context, sessionID string, offset int64, data []byte) error {
	arg, _ := json.Marshal(map[string]interface{}{
		"cursor": map[string]interface{}{"session_id": sessionID, "offset": offset},
		"close":  false,
	})
	req, err := p.client.authedRequest(ctx, http.MethodPost, "https://content.dropboxapi.com/2/files/upload_session/append_v2", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Dropbox-API-Arg", string(arg))
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := p.client.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dropbox: upload_session/append_v2: status %d", resp.StatusCode)
	}
	return nil
}

func (p *DropboxProvider) finishSession(ctx context.Context, sessionID string, dir, tempName, finalName string, totalSize int64) (string, error) {
	arg, _ := json.Marshal(map[string]interface{}{
		"cursor":  map[string]interface{}{"session_id": sessionID, "offset": totalSize},
		"commit":  map[string]interface{}{"path": toDropboxPath(path.Join(dir, tempName)), "mode": "overwrite"},
	})
	req, err := p.client.authedRequest(ctx, http.MethodPost, "https://content.dropboxapi.com/2/files/upload_session/finish", bytes.NewReader(nil))
	if err != nil {
		return "", err
	}
	req.Header.Set("Dropbox-API-Arg", string(arg))
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := p.client.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("dropbox: upload_session/finish: status %d", resp.StatusCode)
	}
	var parsed struct {
		ContentHash string `json:"content_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("dropbox: decode upload_session/finish: %w", err)
	}
	if err := p.rename(ctx, path.Join(dir, tempName), path.Join(dir, finalName)); err != nil {
		return "", err
	}
	return parsed.ContentHash, nil
}

func (p *DropboxProvider) rename(ctx context.Context, from, to string) error {
	body, _ := json.Marshal(map[string]interface{}{
		"from_path": toDropboxPath(from),
		"to_path":   toDropboxPath(to),
	})
	req, err := p.client.authedRequest(ctx, http.MethodPost, "https://api.dropboxapi.com/2/files/move_v2", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dropbox: move_v2: status %d", resp.StatusCode)
	}
	return nil
}

// deleteTemp deletes dir/tempName directly via the raw API path (dir has
// already been rooted by UploadFile, so this must not go through the
// root-prefixing Delete method a second time).
func (p *DropboxProvider) deleteTemp(ctx context.Context, dir, tempName string) error {
	body, _ := json.Marshal(map[string]interface{}{"path": toDropboxPath(path.Join(dir, tempName))})
	req, err := p.client.authedRequest(ctx, http.MethodPost, "https://api.dropboxapi.com/2/files/delete_v2", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("dropbox: delete_v2: status %d", resp.StatusCode)
	}
	return nil
}

func toDropboxPath(p string) string {
	if p == "" || p == "." {
		return ""
	}
	clean := path.Clean("/" + p)
	if clean == "/" {
		return ""
	}
	return clean
}
