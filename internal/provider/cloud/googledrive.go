package cloud

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/vsb-project/vsb/internal/provider"
)

const googleDriveChunkSize = 8 << 20 // 8 MiB, must be a multiple of 256 KiB per the Drive API

// GoogleDriveProvider implements provider.Upload against the Drive v3
// resumable-upload protocol: a session URI obtained once, then sequential
// PUT requests at increasing byte ranges.
type GoogleDriveProvider struct {
	client *oauthClient
	root   string // configured remote root all paths are relative to, e.g. "Backups/vsb"
	// folderID caches path -> Drive folder ID lookups for this run. "" maps
	// to the resolved root folder once resolveRoot has run.
	folderID map[string]string
}

func NewGoogleDrive(ctx context.Context, creds Credentials, root string) *GoogleDriveProvider {
	return &GoogleDriveProvider{
		client:   newOAuthClient(ctx, creds, "https://oauth2.googleapis.com/token"),
		root:     path.Clean(root),
		folderID: map[string]string{},
	}
}

// resolveRoot resolves the configured remote root path to a Drive folder
// ID, creating intermediate folders under the Drive root ("My Drive") as
// needed, and caches the result under folderID[""].
func (p *GoogleDriveProvider) resolveRoot(ctx context.Context) (string, error) {
	if id, ok := p.folderID[""]; ok {
		return id, nil
	}
	if p.root == "" || p.root == "." {
		p.folderID[""] = "root"
		return "root", nil
	}
	parent := "root"
	var walked string
	for _, segment := range strings.Split(p.root, "/") {
		if segment == "" {
			continue
		}
		if walked == "" {
			walked = segment
		} else {
			walked = walked + "/" + segment
		}
		if id, ok := p.folderID[walked]; ok {
			parent = id
			continue
		}
		q := fmt.Sprintf("'%s' in parents and name = '%s' and mimeType = '%s' and trashed = false", parent, segment, driveFolderMime)
		files, err := p.query(ctx, q)
		if err != nil {
			return "", err
		}
		if len(files) == 0 {
			id, err := p.createFolder(ctx, parent, segment)
			if err != nil {
				return "", err
			}
			parent = id
		} else {
			parent = files[0].ID
		}
		p.folderID[walked] = parent
	}
	p.folderID[""] = parent
	return parent, nil
}

func (p *GoogleDriveProvider) createFolder(ctx context.Context, parentID, name string) (string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"name":     name,
		"mimeType": driveFolderMime,
		"parents":  []string{parentID},
	})
	req, err := p.client.authedRequest(ctx, http.MethodPost, "https://www.googleapis.com/drive/v3/files", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("google_drive: create folder: status %d", resp.StatusCode)
	}
	var created driveFile
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("google_drive: decode create folder: %w", err)
	}
	return created.ID, nil
}

func (p *GoogleDriveProvider) Name() string      { return "google_drive" }
func (p *GoogleDriveProvider) Kind() provider.Kind { return provider.Cloud }

type driveFile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	MimeType      string `json:"mimeType"`
	Size          string `json:"size"`
	Md5Checksum   string `json:"md5Checksum"`
}

const driveFolderMime = "application/vnd.google-apps.folder"

func (p *GoogleDriveProvider) resolveFolder(ctx context.Context, dirPath string) (string, error) {
	dirPath = strings.Trim(path.Clean(dirPath), "/")
	if dirPath == "" || dirPath == "." {
		return p.resolveRoot(ctx)
	}
	if id, ok := p.folderID[dirPath]; ok {
		return id, nil
	}
	parentPath := path.Dir(dirPath)
	if parentPath == "." {
		parentPath = ""
	}
	parent, err := p.resolveFolder(ctx, parentPath)
	if err != nil {
		return "", err
	}
	name := path.Base(dirPath)
	q := fmt.Sprintf("'%s' in parents and name = '%s' and mimeType = '%s' and trashed = false", parent, name, driveFolderMime)
	files, err := p.query(ctx, q)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", nil
	}
	p.folderID[dirPath] = files[0].ID
	return files[0].ID, nil
}

func (p *GoogleDriveProvider) query(ctx context.Context, q string) ([]driveFile, error) {
	url := "https://www.googleapis.com/drive/v3/files?q=" + urlEncode(q) + "&fields=files(id,name,mimeType,size)"
	req, err := p.client.authedRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google_drive: files.list: status %d", resp.StatusCode)
	}
	var parsed struct {
		Files []driveFile `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("google_drive: decode files.list: %w", err)
	}
	return parsed.Files, nil
}

func (p *GoogleDriveProvider) ListDirectory(ctx context.Context, dirPath string) ([]provider.Entry, error) {
	folder, err := p.resolveFolder(ctx, dirPath)
	if err != nil {
		return nil, err
	}
	if folder == "" {
		return nil, nil
	}
	files, err := p.query(ctx, fmt.Sprintf("'%s' in parents and trashed = false", folder))
	if err != nil {
		return nil, err
	}
	entries := make([]provider.Entry, 0, len(files))
	for _, f := range files {
		et := provider.File
		if f.MimeType == driveFolderMime {
			et = provider.Directory
		}
		entries = append(entries, provider.Entry{Name: f.Name, Type: et, Size: parseSizeOrNeg1(f.Size)})
	}
	return entries, nil
}

func (p *GoogleDriveProvider) fileID(ctx context.Context, filePath string) (string, error) {
	folder, err := p.resolveFolder(ctx, path.Dir(filePath))
	if err != nil || folder == "" {
		return "", err
	}
	files, err := p.query(ctx, fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false", folder, path.Base(filePath)))
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", nil
	}
	return files[0].ID, nil
}

func (p *GoogleDriveProvider) OpenFile(ctx context.Context, filePath string) (io.ReadCloser, error) {
	id, err := p.fileID(ctx, filePath)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, provider.ErrNotFound
	}
	req, err := p.client.authedRequest(ctx, http.MethodGet, "https://www.googleapis.com/drive/v3/files/"+id+"?alt=media", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("google_drive: files.get alt=media: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (p *GoogleDriveProvider) CreateDirectory(ctx context.Context, dirPath string) error {
	if dirPath == "" || dirPath == "." {
		return nil
	}
	if id, err := p.resolveFolder(ctx, dirPath); err != nil {
		return err
	} else if id != "" {
		return nil
	}
	parent, err := p.resolveFolder(ctx, path.Dir(dirPath))
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]interface{}{
		"name":     path.Base(dirPath),
		"mimeType": driveFolderMime,
		"parents":  []string{parent},
	})
	req, err := p.client.authedRequest(ctx, http.MethodPost, "https://www.googleapis.com/drive/v3/files", bytes.NewReader(body))
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
		return fmt.Errorf("google_drive: create folder: status %d", resp.StatusCode)
	}
	var created driveFile
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("google_drive: decode create folder: %w", err)
	}
	p.folderID[dirPath] = created.ID
	return nil
}

func (p *GoogleDriveProvider) Delete(ctx context.Context, targetPath string) error {
	id, err := p.fileID(ctx, targetPath)
	if err != nil {
		return err
	}
	if id == "" {
		if id, err = p.resolveFolder(ctx, targetPath); err != nil || id == "" {
			return err
		}
	}
	req, err := p.client.authedRequest(ctx, http.MethodDelete, "https://www.googleapis.com/drive/v3/files/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("google_drive: delete: status %d", resp.StatusCode)
	}
	return nil
}

func (p *GoogleDriveProvider) Hasher() hash.Hash      { return md5.New() }
func (p *GoogleDriveProvider) MaxRequestSize() int64 { return googleDriveChunkSize }

func (p *GoogleDriveProvider) UploadFile(ctx context.Context, dir, tempName, finalName string, chunks <-chan provider.Chunk) error {
	return runChunkedUpload(ctx, p, dir, tempName, finalName, chunks)
}

// startSession returns the resumable-upload session URI, which doubles as
// the sessionDriver session ID for the rest of the chunked-upload protocol.
func (p *GoogleDriveProvider) startSession(ctx context.Context, dir, tempName string) (string, error) {
	parent, err := p.resolveFolder(ctx, dir)
	if err != nil {
		return "", err
	}
	if parent == "" {
		if err := p.CreateDirectory(ctx, dir); err != nil {
			return "", err
		}
		if parent, err = p.resolveFolder(ctx, dir); err != nil {
			return "", err
		}
	}
	meta, _ := json.Marshal(map[string]interface{}{"name": tempName, "parents": []string{parent}})
	req, err := p.client.authedRequest(ctx, http.MethodPost,
		"https://www.googleapis.com/upload/drive/v3/files?uploadType=resumable", bytes.NewReader(meta))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-Content-Type", "application/octet-stream")
	resp, err := p.client.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("google_drive: start resumable session: status %d", resp.StatusCode)
	}
	uri := resp.Header.Get("Location")
	if uri == "" {
		return "", fmt.Errorf("google_drive: resumable session missing Location header")
	}
	return uri, nil
}

func (p *GoogleDriveProvider) appendChunk(ctx context.Context, sessionID string, offset int64, data []byte) error {
	req, err := p.client.authedRequest(ctx, http.MethodPut, sessionID, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", offset, offset+int64(len(data))-1))
	resp, err := p.client.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// 308 Resume Incomplete is the expected intermediate status.
	if resp.StatusCode != 308 && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("google_drive: append chunk: status %d", resp.StatusCode)
	}
	return nil
}

func (p *GoogleDriveProvider) finishSession(ctx context.Context, sessionID string, dir, tempName, finalName string, totalSize int64) (string, error) {
	req, err := p.client.authedRequest(ctx, http.MethodPut, sessionID+"&fields=id,md5Checksum", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", totalSize))
	resp, err := p.client.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("google_drive: finish session: status %d", resp.StatusCode)
	}
	var created driveFile
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("google_drive: decode finish session: %w", err)
	}
	if err := p.renameFile(ctx, created.ID, finalName); err != nil {
		return "", err
	}
	return created.Md5Checksum, nil
}

func (p *GoogleDriveProvider) renameFile(ctx context.Context, id, name string) error {
	body, _ := json.Marshal(map[string]string{"name": name})
	req, err := p.client.authedRequest(ctx, http.MethodPatch, "https://www.googleapis.com/drive/v3/files/"+id, bytes.NewReader(body))
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
		return fmt.Errorf("google_drive: rename: status %d", resp.StatusCode)
	}
	return nil
}

func (p *GoogleDriveProvider) deleteTemp(ctx context.Context, dir, tempName string) error {
	id, err := p.fileID(ctx, path.Join(dir, tempName))
	if err != nil || id == "" {
		return err
	}
	return p.Delete(ctx, path.Join(dir, tempName))
}

func parseSizeOrNeg1(s string) int64 {
	if s == "" {
		return -1
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return -1
	}
	return n
}

func urlEncode(s string) string {
	return strings.NewReplacer(" ", "%20", "'", "%27").Replace(s)
}
