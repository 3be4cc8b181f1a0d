// Package client 访问图像生成后端的 HTTP 接口。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"purepale-studio/internal/config"
	"purepale-studio/internal/model"
	"purepale-studio/internal/utils"
	"purepale-studio/pkg/logger"
)

var (
	ErrUpload   = errors.New("upload failed")
	ErrGenerate = errors.New("generation failed")
	ErrInfo     = errors.New("info fetch failed")
	ErrDescribe = errors.New("img2prompt failed")
	ErrFetch    = errors.New("image fetch failed")
)

const maxErrorBody = 4096

// APIError 后端返回的非 2xx 响应
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
}

type Client struct {
	baseURL        string
	httpClient     *http.Client
	generateClient *http.Client
}

func New(cfg config.BackendConfig) *Client {
	transport := utils.NewTransport()
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:     utils.NewHTTPClient(cfg.Timeout, transport),
		generateClient: utils.NewHTTPClient(cfg.GenerateTimeout, transport),
	}
}

// NewWithHTTPClient 测试中注入 httptest 的客户端
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     hc,
		generateClient: hc,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// ImageURL 后端返回的相对路径（如 images/xxx.png）对应的完整地址
func (c *Client) ImageURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Upload 以 multipart 字段 file 上传图片，返回服务端路径
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(filename)))
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrUpload, filename, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp model.UploadResponse
	if err := c.do(c.httpClient, req, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	if resp.Path == "" {
		return "", fmt.Errorf("%w: empty path in response", ErrUpload)
	}

	logger.Debugf("uploaded %s -> %s", filename, resp.Path)
	return resp.Path, nil
}

// Generate 请求生成，阻塞到后端返回
func (c *Client) Generate(ctx context.Context, genReq model.GenerationRequest) (*model.GenerationResult, error) {
	start := time.Now()

	var result model.GenerationResult
	if err := c.postJSON(ctx, c.generateClient, "/api/generate", genReq, &result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerate, err)
	}
	if result.Path == "" {
		return nil, fmt.Errorf("%w: empty path in response", ErrGenerate)
	}

	logger.Debugf("generated %s in %s", result.Path, time.Since(start))
	return &result, nil
}

// Info 读取默认参数与可用模型
func (c *Client) Info(ctx context.Context) (*model.Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/info", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInfo, err)
	}

	var info model.Info
	if err := c.do(c.httpClient, req, &info); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInfo, err)
	}
	if info.DefaultParameters == nil {
		info.DefaultParameters = model.Parameters{}
	}
	return &info, nil
}

// Img2Prompt 用后端的图生文模型为已上传图片生成提示词
func (c *Client) Img2Prompt(ctx context.Context, path string) (string, error) {
	var resp model.Img2PromptResponse
	if err := c.postJSON(ctx, c.generateClient, "/api/img2prompt", model.Img2PromptRequest{Path: path}, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDescribe, err)
	}
	return resp.Prompt, nil
}

// FetchImage 下载后端生成或上传的图片
func (c *Client) FetchImage(ctx context.Context, path string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ImageURL(path), nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetch, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("%w: %w", ErrFetch, readAPIError(resp))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetch, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func (c *Client) postJSON(ctx context.Context, hc *http.Client, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(hc, req, out)
}

func (c *Client) do(hc *http.Client, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %v", err)
	}
	return nil
}

// readAPIError 解析 {"detail": ...}；detail 可能是字符串或校验错误列表
func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Detail) > 0 {
		apiErr.Detail = parseDetail(body.Detail)
	}
	if apiErr.Detail == "" {
		apiErr.Detail = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func parseDetail(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &items); err == nil && len(items) > 0 {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if len(it.Loc) > 0 {
				loc := make([]string, len(it.Loc))
				for i, l := range it.Loc {
					loc[i] = fmt.Sprint(l)
				}
				msgs = append(msgs, strings.Join(loc, ".")+": "+it.Msg)
			} else {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}

	return string(raw)
}
