// Package imagemerge merges two photos into one scene through a generative-image endpoint.
package imagemerge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultBaseURL is the generative language API root
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	// DefaultModel is the image-capable model used for merges
	DefaultModel = "gemini-2.5-flash-image-preview"

	defaultTimeout = 60 * time.Second

	// maxResponseSize bounds the generation response (images are returned inline)
	maxResponseSize = 32 << 20
)

// Config configures a Client
type Config struct {
	// APIKey authenticates requests (sent as the "key" query parameter)
	APIKey string

	// BaseURL overrides DefaultBaseURL
	BaseURL string

	// Model overrides DefaultModel
	Model string

	// Timeout bounds a whole merge call (default: 60s)
	Timeout time.Duration

	// HTTPClient is an optional HTTP client. Its Timeout is left untouched when set.
	HTTPClient *http.Client
}

// MergeRequest holds the two photos and the optional scene description
type MergeRequest struct {
	First  Image
	Second Image
	Scene  string
}

// MergeResult is the composed image
type MergeResult struct {
	Image Image
	// Text is any commentary the model returned alongside the image
	Text string
}

// Client calls the generation endpoint. It never retries.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// New creates a client from cfg
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		apiKey:     cfg.APIKey,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/models/" + cfg.Model + ":generateContent",
		httpClient: httpClient,
	}
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

// Merge composes the two images into the requested scene.
// Missing images fail with ErrMissingImages before any network call.
func (c *Client) Merge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	if req.First.Empty() || req.Second.Empty() {
		return nil, ErrMissingImages
	}
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: BuildPrompt(req.Scene)},
				{InlineData: encode(req.First)},
				{InlineData: encode(req.Second)},
			},
		}},
		GenerationConfig: generationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"?key="+url.QueryEscape(c.apiKey), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, newAPIError(resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return parseResponse(respBody)
}

func encode(img Image) *inlineData {
	return &inlineData{
		MimeType: img.ContentType(),
		Data:     base64.StdEncoding.EncodeToString(img.Data),
	}
}

// parseResponse extracts the first inline image of the first candidate
func parseResponse(body []byte) (*MergeResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid generation response: %w", ErrGenerationFailed)
	}

	parts := gjson.GetBytes(body, "candidates.0.content.parts")
	var (
		result *MergeResult
		texts  []string
	)
	parts.ForEach(func(_, p gjson.Result) bool {
		if text := p.Get("text"); text.Exists() && text.String() != "" {
			texts = append(texts, text.String())
		}
		if result != nil {
			return true
		}
		data := p.Get("inlineData.data")
		if !data.Exists() || data.String() == "" {
			return true
		}
		decoded, err := base64.StdEncoding.DecodeString(data.String())
		if err != nil {
			return true
		}
		mimeType := p.Get("inlineData.mimeType").String()
		if mimeType == "" {
			mimeType = "image/png"
		}
		result = &MergeResult{Image: Image{Data: decoded, MIMEType: mimeType}}
		return true
	})

	if result == nil {
		return nil, ErrGenerationFailed
	}
	result.Text = strings.Join(texts, "\n")
	return result, nil
}
