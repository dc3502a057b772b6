// Package client makes requests of a running control server.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rflandau/fwdist/ond"
	"github.com/rflandau/fwdist/ond/control"
	"resty.dev/v3"
)

const CONTENT_TYPE string = "application/json"

// StatusError is returned when the server answers with something other than the expected status.
// It unwraps to the matching ond sentinel where there is one (ex: 404 from start-download is ond.ErrNotFound).
type StatusError struct {
	Status int
	Op     string // operation id reported by the server, if any
	Detail string
}

func (e *StatusError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Detail)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Op == control.OP_START_DOWNLOAD && e.Status == http.StatusNotFound:
		return ond.ErrNotFound
	case e.Op == control.OP_START_DOWNLOAD && e.Status == http.StatusConflict:
		return ond.ErrAlreadyRunning
	}
	return nil
}

// A Client wraps a resty client pointed at one control server.
type Client struct {
	rc *resty.Client
}

// New returns a client for the server at addr.
// addr should be of the form "<ip>:<port>" or "http://<ip>:<port>".
func New(addr string) *Client {
	addr = strings.TrimSuffix(addr, "/")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{rc: resty.New().SetBaseURL(addr)}
}

// Close releases the underlying resty client.
func (c *Client) Close() {
	c.rc.Close()
}

// checks that the response came back with the expected status, translating it to a *StatusError otherwise.
// Huma error bodies (decoded by resty through SetError) are unpacked for their detail.
func expect(res *resty.Response, err error, status int) error {
	if err != nil {
		return err
	}
	if res.StatusCode() == status {
		return nil
	}
	se := &StatusError{Status: res.StatusCode(), Op: res.Header().Get(control.HdrOp), Detail: res.String()}
	if em, ok := res.Error().(*huma.ErrorModel); ok && em != nil && em.Detail != "" {
		se.Detail = em.Detail
	}
	return se
}

// StartDownload asks the server to begin broadcasting a firmware.
func (c *Client) StartDownload(ctx context.Context, req control.DownloadRequest) error {
	res, err := c.rc.R().
		SetContext(ctx).
		SetError(&huma.ErrorModel{}).
		SetBody(req).
		Post(control.EP_DOWNLOADS)
	return expect(res, err, control.EXPECTED_STATUS_START_DOWNLOAD)
}

// CancelDownload asks the server to stop a download and clear its status.
// Returns whether a download was running.
func (c *Client) CancelDownload(ctx context.Context, coordinator string, id ond.FirmwareID) (bool, error) {
	var result control.CancelResult
	res, err := c.rc.R().
		SetContext(ctx).
		SetError(&huma.ErrorModel{}).
		SetQueryParams(map[string]string{
			"coordinator": coordinator,
			"device_id":   strconv.FormatUint(uint64(id.DeviceID), 10),
			"chip_type":   strconv.FormatUint(uint64(id.ChipType), 10),
			"revision":    strconv.FormatUint(uint64(id.Revision), 10),
		}).
		SetExpectResponseContentType(CONTENT_TYPE).
		SetResult(&result).
		Delete(control.EP_DOWNLOADS)
	if err := expect(res, err, control.EXPECTED_STATUS_CANCEL_DOWNLOAD); err != nil {
		return false, err
	}
	return result.WasRunning, nil
}

// RequestReset asks the server to send a reset request.
func (c *Client) RequestReset(ctx context.Context, req control.ResetRequest) error {
	res, err := c.rc.R().
		SetContext(ctx).
		SetError(&huma.ErrorModel{}).
		SetBody(req).
		Post(control.EP_RESETS)
	return expect(res, err, control.EXPECTED_STATUS_REQUEST_RESET)
}

// get fetches ep into a fresh T.
func get[T any](ctx context.Context, c *Client, ep control.Endpoint, query map[string]string) (T, error) {
	var out T
	res, err := c.rc.R().
		SetContext(ctx).
		SetError(&huma.ErrorModel{}).
		SetQueryParams(query).
		SetExpectResponseContentType(CONTENT_TYPE).
		SetResult(&out).
		Get(ep)
	return out, expect(res, err, control.EXPECTED_STATUS_GET)
}

// Downloads lists the in-flight downloads.
func (c *Client) Downloads(ctx context.Context) ([]control.Download, error) {
	return get[[]control.Download](ctx, c, control.EP_DOWNLOADS, nil)
}

// Status lists the per-node progress records.
func (c *Client) Status(ctx context.Context) ([]control.NodeStatus, error) {
	return get[[]control.NodeStatus](ctx, c, control.EP_STATUS, nil)
}

// Firmwares lists the loaded firmware.
func (c *Client) Firmwares(ctx context.Context) ([]control.Firmware, error) {
	return get[[]control.Firmware](ctx, c, control.EP_FIRMWARES, nil)
}

// History returns up to limit of the newest history events.
// limit <= 0 uses the server's default.
func (c *Client) History(ctx context.Context, limit int) ([]control.HistoryEvent, error) {
	q := map[string]string{}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	return get[[]control.HistoryEvent](ctx, c, control.EP_HISTORY, q)
}
