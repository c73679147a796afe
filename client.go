package meterproof

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// Client talks to a Server over HTTP or HTTPS.
type Client struct {
	BaseURL string       // Base URL of the server (e.g., "https://meter.example.com")
	Client  *http.Client // HTTP client (can customize timeouts, TLS, etc.)

	// Format is the encoding requested for records and bundles.
	Format Format
}

// NewClient creates a client for the server at baseURL using JSON.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Client:  &http.Client{},
		Format:  FormatJSON,
	}
}

// Record submits one usage event and returns the signed record and whether
// the server persisted it.
func (c *Client) Record(ctx context.Context, u UsageInput) (SignedUsageRecord, bool, error) {
	rec, _, persisted, err := c.RecordWithReceipt(ctx, u)
	return rec, persisted, err
}

// RecordWithReceipt is Record that also returns the server's Receipt for
// the record. The receipt is not verified.
func (c *Client) RecordWithReceipt(ctx context.Context, u UsageInput) (SignedUsageRecord, Receipt, bool, error) {
	// Built by hand so an empty meta object is sent rather than omitted.
	in := map[string]any{
		"tenant_id": u.TenantID,
		"subject":   u.Subject,
		"action":    u.Action,
		"quantity":  u.Quantity,
	}
	if u.TS != "" {
		in["ts"] = u.TS
	}
	if u.Meta != nil {
		in["meta"] = u.Meta
	}
	body, err := json.Marshal(in)
	if err != nil {
		return SignedUsageRecord{}, Receipt{}, false, fmt.Errorf("encode usage: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/meter", ContentTypeJSON, body, http.StatusCreated)
	if err != nil {
		return SignedUsageRecord{}, Receipt{}, false, err
	}
	defer resp.Body.Close()

	doc, err := c.decode(resp)
	if err != nil {
		return SignedUsageRecord{}, Receipt{}, false, err
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return SignedUsageRecord{}, Receipt{}, false, fmt.Errorf("%w: record is %T, want object", ErrValidation, doc)
	}
	rec, err := RecordFromMap(m)
	if err != nil {
		return SignedUsageRecord{}, Receipt{}, false, err
	}
	rc := Receipt{
		CID: resp.Header.Get(HeaderReceiptCID),
		Sig: resp.Header.Get(HeaderReceiptSig),
		KID: resp.Header.Get(HeaderReceiptKID),
	}
	persisted, _ := strconv.ParseBool(resp.Header.Get(HeaderPersisted))
	return rec, rc, persisted, nil
}

// Export fetches a signed bundle of the tenant's records in rng.
func (c *Client) Export(ctx context.Context, tenantID string, rng Range) (ExportBundle, error) {
	q := url.Values{}
	if rng.Since != "" {
		q.Set("since", rng.Since)
	}
	if rng.Until != "" {
		q.Set("until", rng.Until)
	}
	path := "/v1/usage/" + url.PathEscape(tenantID) + "/export"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, path, "", nil, http.StatusOK)
	if err != nil {
		return ExportBundle{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ExportBundle{}, fmt.Errorf("read bundle: %w", err)
	}
	return DecodeBundle(data, FormatForContentType(resp.Header.Get("Content-Type")))
}

// Report fetches the tenant's usage totals. Empty bounds let the server
// apply its default window.
func (c *Client) Report(ctx context.Context, tenantID, since, until string) (UsageReport, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if until != "" {
		q.Set("until", until)
	}
	path := "/v1/usage/" + url.PathEscape(tenantID) + "/report"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, path, "", nil, http.StatusOK)
	if err != nil {
		return UsageReport{}, err
	}
	defer resp.Body.Close()

	var rep UsageReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return UsageReport{}, fmt.Errorf("decode report: %w", err)
	}
	return rep, nil
}

// KeySet fetches the server's published verification keys.
func (c *Client) KeySet(ctx context.Context) (KeySet, error) {
	resp, err := c.do(ctx, http.MethodGet, "/.well-known/jwks.json", "", nil, http.StatusOK)
	if err != nil {
		return KeySet{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return KeySet{}, fmt.Errorf("read key set: %w", err)
	}
	return ParseKeySet(data)
}

// Verify asks the server to check a record or bundle encoded in f.
func (c *Client) Verify(ctx context.Context, doc []byte, f Format) (bool, Verdict, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/verify", f.ContentType(), doc, http.StatusOK)
	if err != nil {
		return false, VerdictInvalid, err
	}
	defer resp.Body.Close()

	var vr VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return false, VerdictInvalid, fmt.Errorf("decode verify response: %w", err)
	}
	return vr.OK, ParseVerdict(vr.Verdict), nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, want int) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", c.Format.ContentType())

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode != want {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	return resp, nil
}

func (c *Client) decode(resp *http.Response) (any, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return DecodeDocument(data, FormatForContentType(resp.Header.Get("Content-Type")))
}

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// Unwrap maps 503 to ErrNotConfigured and 400 to ErrValidation.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusServiceUnavailable:
		return ErrNotConfigured
	case http.StatusBadRequest:
		return ErrValidation
	default:
		return nil
	}
}
