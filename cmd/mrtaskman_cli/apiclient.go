package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"go.skia.org/mrtaskman/go/httputils"
	"go.skia.org/mrtaskman/go/skerr"
)

// httpError carries the upstream status code so command handlers can use it
// directly as this process's exit code (spec §6: "HTTP status from server
// on upstream error"), matching mrt.py's `except urllib2.HTTPError, e: ...
// return e.code`.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("got %d response from server:\n%s", e.status, e.body)
}

// apiClient wraps the scheduler and registry HTTP APIs (spec §6) for the
// command-line client, grounded on
// _examples/original_source/client/mrtaskman_api.py's MrTaskmanApi.
type apiClient struct {
	schedulerBaseURL string
	registryBaseURL  string
	http             *http.Client
}

func newAPIClient(schedulerBaseURL, registryBaseURL string) *apiClient {
	return &apiClient{
		schedulerBaseURL: schedulerBaseURL,
		registryBaseURL:  registryBaseURL,
		http:             httputils.NewTimeoutClient(30 * time.Second),
	}
}

func (c *apiClient) do(ctx context.Context, method, url, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer httputils.ReadAndClose(resp.Body)
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpError{status: resp.StatusCode, body: string(respBody)}
	}
	return respBody, nil
}

// GetTask performs GET /tasks/{id} (mrtaskman_api.py's MrTaskmanApi.GetTask).
func (c *apiClient) GetTask(ctx context.Context, taskID int64) ([]byte, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("%s/tasks/%d", c.schedulerBaseURL, taskID), "", nil)
}

// ScheduleTask performs POST /tasks/schedule (MrTaskmanApi.ScheduleTask).
func (c *apiClient) ScheduleTask(ctx context.Context, config []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, c.schedulerBaseURL+"/tasks/schedule", "application/json", bytes.NewReader(config))
}

// DeleteTask performs DELETE /tasks/{id} (MrTaskmanApi.DeleteTask).
func (c *apiClient) DeleteTask(ctx context.Context, taskID int64) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/tasks/%d", c.schedulerBaseURL, taskID), "", nil)
	return err
}

// CreatePackage performs POST /packages/create (MrTaskmanApi.CreatePackage):
// a multipart form with the manifest JSON plus one file per manifest entry
// that names a form_name and has a local client_path to read from.
func (c *apiClient) CreatePackage(ctx context.Context, manifest map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if err := w.WriteField("manifest", string(manifestJSON)); err != nil {
		return nil, skerr.Wrap(err)
	}

	files, _ := manifest["files"].([]interface{})
	for _, raw := range files {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		formName, _ := entry["form_name"].(string)
		clientPath, _ := entry["client_path"].(string)
		if formName == "" || clientPath == "" {
			continue
		}
		f, err := os.Open(clientPath)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		part, err := w.CreateFormFile(formName, formName)
		if err != nil {
			f.Close()
			return nil, skerr.Wrap(err)
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return nil, skerr.Wrap(err)
		}
		f.Close()
	}
	if err := w.Close(); err != nil {
		return nil, skerr.Wrap(err)
	}

	return c.do(ctx, http.MethodPost, c.registryBaseURL+"/packages/create", w.FormDataContentType(), &buf)
}

// GetPackage performs GET /packages/{name}.{version} (MrTaskmanApi.GetPackage).
func (c *apiClient) GetPackage(ctx context.Context, name string, version int) ([]byte, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("%s/packages/%s.%d", c.registryBaseURL, name, version), "", nil)
}

// DeletePackage performs DELETE /packages/{name}.{version} (MrTaskmanApi.DeletePackage).
func (c *apiClient) DeletePackage(ctx context.Context, name string, version int) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/packages/%s.%d", c.registryBaseURL, name, version), "", nil)
	return err
}
