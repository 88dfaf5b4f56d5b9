// Package device is a reference implementation of the handheld side of the
// scanner protocol: it bootstraps a local ticket cache, validates codes while
// offline, queues the attempts and reconciles with the server when a network
// is available.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ticketing/scanner-service/internal/codec"
	"ticketing/scanner-service/internal/models"
)

const (
	headerDeviceUUID = "X-Device-UUID"
	headerDeviceName = "X-Device-Name"
	headerRequestID  = "X-Request-ID"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Fields    map[string][]string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("scanner api: status %d", e.Status)
	}
	return fmt.Sprintf("scanner api: status %d: %s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether the same request may succeed later unchanged.
// A rejected batch (422) will not.
func (e *APIError) Retryable() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

type ConfigPayload struct {
	ServerTime string         `json:"server_time"`
	Timezone   string         `json:"timezone"`
	Events     []models.Event `json:"events"`
}

type SnapshotPayload struct {
	FunctionID int64                   `json:"function_id"`
	ServerTime string                  `json:"server_time"`
	Tickets    []models.SnapshotTicket `json:"tickets"`
}

type UpdatesPayload struct {
	FunctionID int64                `json:"function_id"`
	ServerTime string               `json:"server_time"`
	Tickets    []models.TicketDelta `json:"tickets"`
}

type SyncAck struct {
	Received   []string `json:"received"`
	ServerTime string   `json:"server_time"`
}

// QueuedScan is one locally recorded attempt waiting for upload.
type QueuedScan struct {
	Code      string `json:"code" cbor:"code"`
	Result    string `json:"result" cbor:"result"`
	Timestamp string `json:"timestamp" cbor:"timestamp"`
}

type ClientOptions struct {
	HTTPClient *http.Client
	// CBOR switches request and response bodies to application/cbor.
	CBOR bool
}

type Client struct {
	baseURL    string
	device     models.Device
	httpClient *http.Client
	cbor       bool
}

func NewClient(baseURL string, device models.Device, options ClientOptions) *Client {
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		device:     device,
		httpClient: httpClient,
		cbor:       options.CBOR,
	}
}

func (c *Client) Config(ctx context.Context) (ConfigPayload, error) {
	var payload ConfigPayload
	err := c.do(ctx, http.MethodGet, "/scanner/config", nil, &payload)
	return payload, err
}

func (c *Client) Snapshot(ctx context.Context, functionID int64) (SnapshotPayload, error) {
	var payload SnapshotPayload
	path := "/scanner/functions/" + strconv.FormatInt(functionID, 10) + "/tickets"
	err := c.do(ctx, http.MethodGet, path, nil, &payload)
	return payload, err
}

func (c *Client) Updates(ctx context.Context, functionID int64, since string) (UpdatesPayload, error) {
	var payload UpdatesPayload
	path := "/scanner/functions/" + strconv.FormatInt(functionID, 10) + "/updates?since=" + url.QueryEscape(since)
	err := c.do(ctx, http.MethodGet, path, nil, &payload)
	return payload, err
}

func (c *Client) Sync(ctx context.Context, scans []QueuedScan) (SyncAck, error) {
	var ack SyncAck
	err := c.do(ctx, http.MethodPost, "/scanner/sync", scans, &ack)
	return ack, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := "application/json"
	if in != nil {
		var data []byte
		var err error
		if c.cbor {
			data, err = codec.Marshal(in)
			contentType = codec.ContentType
		} else {
			data, err = json.Marshal(in)
		}
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cbor {
		req.Header.Set("Accept", codec.ContentType)
	} else {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set(headerDeviceUUID, c.device.UUID)
	req.Header.Set(headerDeviceName, c.device.Name)
	req.Header.Set(headerRequestID, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if codec.IsCBOR(resp.Header.Get("Content-Type")) {
		return codec.NewDecoder(resp.Body).Decode(out)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, RequestID: resp.Header.Get(headerRequestID)}
	var envelope struct {
		RequestID string `json:"request_id"`
		Error     struct {
			Code    string              `json:"code"`
			Message string              `json:"message"`
			Fields  map[string][]string `json:"fields"`
		} `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Join(apiErr, err)
	}
	if json.Unmarshal(data, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Fields = envelope.Error.Fields
		if envelope.RequestID != "" {
			apiErr.RequestID = envelope.RequestID
		}
	}
	return apiErr
}
