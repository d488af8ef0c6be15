// Package uploader sends CSV files to the API as multipart uploads.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/prompted/csvrelay/internal/httpx"
)

// Mode selects the API entry point a file is sent to.
type Mode string

const (
	ModeUpload Mode = "upload" // synchronous ingest
	ModeQueue1 Mode = "queue1" // upload stage
	ModeQueue2 Mode = "queue2" // process stage
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeUpload, ModeQueue1, ModeQueue2:
		return m, nil
	default:
		return "", errors.Errorf("unknown mode %q (want upload, queue1 or queue2)", s)
	}
}

// Result is the API response to one upload.
type Result struct {
	Status int
	Body   json.RawMessage
}

// OK reports whether the API accepted the file.
func (r Result) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Client uploads files for one owner.
type Client struct {
	http        *httpx.Client
	baseURL     string
	ownerHeader string
}

// New creates a Client for the API at baseURL. Requests carry the owner in
// ownerHeader.
func New(hc *httpx.Client, baseURL, ownerHeader string) *Client {
	return &Client{
		http:        hc,
		baseURL:     strings.TrimRight(baseURL, "/"),
		ownerHeader: ownerHeader,
	}
}

// Send posts content as the "file" form field to the endpoint for mode.
// Non-2xx responses are returned as a Result, not an error.
func (c *Client) Send(ctx context.Context, mode Mode, owner, filename string, content []byte) (Result, error) {
	start := time.Now()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return Result{}, errors.Wrap(err, "create form file")
	}
	if _, err := fw.Write(content); err != nil {
		return Result{}, errors.Wrap(err, "write form file")
	}
	if err := mw.Close(); err != nil {
		return Result{}, errors.Wrap(err, "close multipart writer")
	}

	url := c.baseURL + "/api/v1/csv/" + string(mode)
	header := http.Header{}
	header.Set(c.ownerHeader, owner)

	resp, err := c.http.Post(ctx, url, mw.FormDataContentType(), body.Bytes(), header)
	if err != nil {
		return Result{}, errors.Wrapf(err, "post %s", url)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, errors.Wrap(err, "read response")
	}

	slog.Debug("file uploaded",
		"mode", string(mode),
		"file", filename,
		"bytes", len(content),
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return Result{Status: resp.StatusCode, Body: raw}, nil
}
