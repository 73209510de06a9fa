package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asmolin/cloudvert/internal/common"
)

const (
	// Graph upload sessions accept chunks in multiples of 320 KiB; 60 MB
	// keeps the request count low for DVD-sized files.
	defaultChunkSize  = 62_914_560
	retriesPerChunk   = 5
	defaultTokenURL   = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	defaultGraphBase  = "https://graph.microsoft.com/v1.0/me/drive"
	defaultGraphScope = "https://graph.microsoft.com/.default openid profile offline_access"
)

// GraphDrive talks to the Microsoft Graph drive API. The token passed to
// each call is an OAuth refresh token; an access token is minted per
// operation so long pipelines never run on a stale credential.
type GraphDrive struct {
	client       *http.Client
	tokenURL     string
	baseURL      string
	scope        string
	clientID     string
	clientSecret string
	chunkSize    int64

	sleep func(time.Duration)
}

type GraphOption func(*GraphDrive)

// WithGraphEndpoints overrides the token and API base URLs.
func WithGraphEndpoints(tokenURL, baseURL string) GraphOption {
	return func(g *GraphDrive) {
		g.tokenURL = tokenURL
		g.baseURL = baseURL
	}
}

func WithChunkSize(size int64) GraphOption {
	return func(g *GraphDrive) {
		if size > 0 {
			g.chunkSize = size
		}
	}
}

func NewGraphDrive(clientID, clientSecret string, opts ...GraphOption) *GraphDrive {
	g := &GraphDrive{
		client:       &http.Client{Timeout: 10 * time.Minute},
		tokenURL:     defaultTokenURL,
		baseURL:      defaultGraphBase,
		scope:        defaultGraphScope,
		clientID:     clientID,
		clientSecret: clientSecret,
		chunkSize:    defaultChunkSize,
		sleep:        time.Sleep,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type graphItem struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Size            int64  `json:"size"`
	ParentReference struct {
		ID string `json:"id"`
	} `json:"parentReference"`
	Folder *struct{} `json:"folder"`
	File   *struct{} `json:"file"`
}

func (gi *graphItem) toItem() *Item {
	return &Item{
		ID:       gi.ID,
		Name:     gi.Name,
		ParentID: gi.ParentReference.ID,
		Size:     gi.Size,
		Folder:   gi.Folder != nil,
	}
}

func (g *GraphDrive) refreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {g.clientID},
		"client_secret": {g.clientSecret},
		"scope":         {g.scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return "", common.ErrorTokenExpired
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token refresh: unexpected status %d", resp.StatusCode)
	}

	var data struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}
	if data.AccessToken == "" {
		return "", common.ErrorTokenExpired
	}
	return data.AccessToken, nil
}

func (g *GraphDrive) get(ctx context.Context, accessToken, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, common.ErrorTokenExpired
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, common.ErrorNotFound
	case resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, fmt.Errorf("graph: unexpected status %d for %s", resp.StatusCode, url)
	}
	return resp, nil
}

func (g *GraphDrive) Stat(ctx context.Context, token, itemID string) (*Item, error) {
	accessToken, err := g.refreshAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err := g.get(ctx, accessToken, fmt.Sprintf("%s/items/%s", g.baseURL, itemID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var gi graphItem
	if err := json.NewDecoder(resp.Body).Decode(&gi); err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}
	return gi.toItem(), nil
}

func (g *GraphDrive) List(ctx context.Context, token, itemID string) ([]Item, error) {
	accessToken, err := g.refreshAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}

	var items []Item
	next := fmt.Sprintf("%s/items/%s/children", g.baseURL, itemID)
	for next != "" {
		resp, err := g.get(ctx, accessToken, next)
		if err != nil {
			return nil, err
		}

		var page struct {
			Value    []graphItem `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("graph: %w", err)
		}

		for i := range page.Value {
			items = append(items, *page.Value[i].toItem())
		}
		next = page.NextLink
	}
	return items, nil
}

func (g *GraphDrive) ItemByPath(ctx context.Context, token, path string) (*Item, error) {
	accessToken, err := g.refreshAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}

	path = strings.Trim(path, "/")
	resp, err := g.get(ctx, accessToken, fmt.Sprintf("%s/root:/%s", g.baseURL, url.PathEscape(path)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var gi graphItem
	if err := json.NewDecoder(resp.Body).Decode(&gi); err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}
	return gi.toItem(), nil
}

// Download streams item content into destDir. The local name is prefixed
// with the parent id so the upload side knows where the result belongs.
func (g *GraphDrive) Download(ctx context.Context, token, itemID, destDir string, onProgress ProgressFunc) (string, error) {
	info, err := g.Stat(ctx, token, itemID)
	if err != nil {
		return "", err
	}

	accessToken, err := g.refreshAccessToken(ctx, token)
	if err != nil {
		return "", err
	}

	resp, err := g.get(ctx, accessToken, fmt.Sprintf("%s/items/%s/content", g.baseURL, itemID))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	localPath := filepath.Join(destDir, fmt.Sprintf("%s-%s", info.ParentID, info.Name))

	f, err := os.Create(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	report(onProgress, 0)
	total := resp.ContentLength
	if total <= 0 {
		total = info.Size
	}

	var written int64
	buf := make([]byte, 1<<20)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return "", werr
			}
			written += int64(n)
			if total > 0 {
				report(onProgress, int(written*100/total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("graph: download %s: %w", itemID, rerr)
		}
	}

	report(onProgress, 100)
	return localPath, nil
}

// Upload sends a local file back under parentID via an upload session,
// in chunks with bounded retries per chunk.
func (g *GraphDrive) Upload(ctx context.Context, token, parentID, localPath string, onProgress ProgressFunc) error {
	accessToken, err := g.refreshAccessToken(ctx, token)
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	totalSize := stat.Size()

	uploadURL, err := g.createUploadSession(ctx, accessToken, parentID, filepath.Base(localPath))
	if err != nil {
		return err
	}

	report(onProgress, 0)
	chunkCount := (totalSize + g.chunkSize - 1) / g.chunkSize
	buf := make([]byte, g.chunkSize)
	for i := int64(0); i < chunkCount; i++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return err
		}

		start := i * g.chunkSize
		end := start + int64(n) - 1
		if err := g.putChunk(ctx, uploadURL, buf[:n], start, end, totalSize); err != nil {
			return err
		}
		report(onProgress, int((i+1)*100/chunkCount))
	}
	return nil
}

func (g *GraphDrive) createUploadSession(ctx context.Context, accessToken, parentID, name string) (string, error) {
	body := []byte(`{"item": {"@microsoft.graph.conflictBehavior": "replace"}}`)
	url := fmt.Sprintf("%s/items/%s:/%s:/createUploadSession", g.baseURL, parentID, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("graph: create upload session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", common.ErrorTokenExpired
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("graph: create upload session: unexpected status %d", resp.StatusCode)
	}

	var data struct {
		UploadURL string `json:"uploadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("graph: create upload session: %w", err)
	}
	if data.UploadURL == "" {
		return "", fmt.Errorf("graph: create upload session: no upload url in response")
	}
	return data.UploadURL, nil
}

func (g *GraphDrive) putChunk(ctx context.Context, uploadURL string, chunk []byte, start, end, totalSize int64) error {
	var lastErr error
	for attempt := 1; attempt <= retriesPerChunk; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(chunk)))
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, totalSize))

		resp, err := g.client.Do(req)
		if err == nil {
			status := resp.StatusCode
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			switch status {
			case http.StatusOK, http.StatusCreated, http.StatusAccepted:
				return nil
			default:
				lastErr = fmt.Errorf("graph: chunk upload: unexpected status %d", status)
			}
		} else {
			lastErr = fmt.Errorf("graph: chunk upload: %w", err)
		}

		if attempt < retriesPerChunk {
			g.sleep(time.Second << (attempt - 1))
		}
	}
	return lastErr
}
