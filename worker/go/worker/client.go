package worker

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
	registrytypes "go.skia.org/mrtaskman/registry/go/types"
	"go.skia.org/mrtaskman/scheduler/go/types"
)

const (
	assignRequestKind = "mrtaskman#assign_request"
	longPollTimeout   = 30 * time.Second
)

// Client is a worker's view of the scheduler and registry HTTP APIs (spec
// §6): long-polling Assign, multipart result upload, and package/file
// downloads for the package cache's on-cache-miss callback.
type Client struct {
	schedulerBaseURL string
	registryBaseURL  string
	http             *http.Client
}

// NewClient returns a Client that talks to schedulerBaseURL and
// registryBaseURL, retrying transport errors and 5xx responses per
// go/httputils's default backoff schedule.
func NewClient(schedulerBaseURL, registryBaseURL string) *Client {
	return &Client{
		schedulerBaseURL: schedulerBaseURL,
		registryBaseURL:  registryBaseURL,
		http:             httputils.NewTimeoutClient(longPollTimeout),
	}
}

type assignRequestBody struct {
	Kind         string `json:"kind"`
	Worker       string `json:"worker"`
	Hostname     string `json:"hostname"`
	Capabilities struct {
		Executor []string `json:"executor"`
	} `json:"capabilities"`
}

type taskAssignmentResponse struct {
	Kind  string        `json:"kind"`
	Tasks []*types.Task `json:"tasks"`
}

// Assign calls PUT /tasks/assign (spec §4.2 step 2), returning the assigned
// Task, or nil if none was available.
func (c *Client) Assign(ctx context.Context, workerName, hostname string, capabilities []string) (*types.Task, error) {
	body := assignRequestBody{Kind: assignRequestKind, Worker: workerName, Hostname: hostname}
	body.Capabilities.Executor = capabilities
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.schedulerBaseURL+"/tasks/assign", bytes.NewReader(encoded))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer httputils.ReadAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, skerr.Fmt("assign: unexpected status %d", resp.StatusCode)
	}
	var parsed taskAssignmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, skerr.Wrap(err)
	}
	if len(parsed.Tasks) == 0 {
		return nil, nil
	}
	return parsed.Tasks[0], nil
}

// UploadResultRequest is what Execute hands to UploadResult after running a
// task's command (spec §4.2 step 5).
type UploadResultRequest struct {
	TaskID             int64
	Attempt            int
	ExitCode           int
	ExecutionTime      time.Duration
	DeviceSerialNumber string
	StdoutPath         string
	StderrPath         string
}

type taskResultForm struct {
	ExitCode           int     `json:"exit_code"`
	ExecutionTime      float64 `json:"execution_time"`
	DeviceSerialNumber string  `json:"device_serial_number"`
}

// UploadResult posts req as a multipart form to the task's complete URL
// (spec §4.2 step 5, §6): field task_result (JSON) plus file fields STDOUT
// and STDERR.
func (c *Client) UploadResult(ctx context.Context, req UploadResultRequest) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	result := taskResultForm{
		ExitCode:           req.ExitCode,
		ExecutionTime:      req.ExecutionTime.Seconds(),
		DeviceSerialNumber: req.DeviceSerialNumber,
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := w.WriteField("task_result", string(encoded)); err != nil {
		return skerr.Wrap(err)
	}
	if err := attachFile(w, "STDOUT", req.StdoutPath); err != nil {
		return skerr.Wrap(err)
	}
	if err := attachFile(w, "STDERR", req.StderrPath); err != nil {
		return skerr.Wrap(err)
	}
	if err := w.Close(); err != nil {
		return skerr.Wrap(err)
	}

	url := fmt.Sprintf("%s/tasks/%d/complete/%d", c.schedulerBaseURL, req.TaskID, req.Attempt)
	resp, err := httputils.PostWithContext(ctx, c.http, url, w.FormDataContentType(), &buf)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer httputils.ReadAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return skerr.Fmt("upload result: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func attachFile(w *multipart.Writer, fieldName, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	part, err := w.CreateFormFile(fieldName, fieldName)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// GetPackage fetches a package's manifest from the registry (spec §6: GET
// /packages/{name}.{version}), used by the package cache's on-cache-miss
// callback to learn which files to download.
func (c *Client) GetPackage(ctx context.Context, name string, version int) (*registrytypes.Package, error) {
	url := fmt.Sprintf("%s/packages/%s.%d", c.registryBaseURL, name, version)
	resp, err := httputils.GetWithContext(ctx, c.http, url)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer httputils.ReadAndClose(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, skerr.Fmt("package %s.%d not found", name, version)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, skerr.Fmt("get package: unexpected status %d", resp.StatusCode)
	}
	var pkg registrytypes.Package
	if err := json.NewDecoder(resp.Body).Decode(&pkg); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &pkg, nil
}

// DownloadFile GETs an absolute URL (a PackageFile's ExternalURL, or a
// file's url) and writes it to destPath. The blob store itself is an
// external collaborator this rewrite does not implement (spec §1; on the
// upload side registry/go/rpc's filesFromManifest records only the uploaded
// file's name as BlobRef); a BlobRef-backed
// file has no fetchable URL here, and callers must handle that case instead
// of calling DownloadFile for it.
func (c *Client) DownloadFile(ctx context.Context, url, destPath string) error {
	resp, err := httputils.GetWithContext(ctx, c.http, url)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer httputils.ReadAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return skerr.Fmt("download %s: unexpected status %d", url, resp.StatusCode)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}
