package rss

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tkey/tkey-sub000/pkg/math/curve"
)

// HTTPTransport reaches nodes served by Server. Node i listens at endpoints[i-1].
type HTTPTransport struct {
	endpoints []string
	client    *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport uses http.DefaultClient when client is nil.
func NewHTTPTransport(endpoints []string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	trimmed := make([]string, len(endpoints))
	for i, e := range endpoints {
		trimmed[i] = strings.TrimRight(e, "/")
	}
	return &HTTPTransport{endpoints: trimmed, client: client}
}

func (t *HTTPTransport) StoreKeyShare(ctx context.Context, node int, share *KeyShare) error {
	return t.do(ctx, node, http.MethodPost, "/v1/keys", "", share, nil)
}

func (t *HTTPTransport) PublicKey(ctx context.Context, node int, label string) (curve.Point, error) {
	var body publicKeyBody
	path := "/v1/keys?label=" + url.QueryEscape(label)
	if err := t.do(ctx, node, http.MethodGet, path, "", nil, &body); err != nil {
		return nil, err
	}
	if body.PublicKey == nil {
		return nil, fmt.Errorf("rss.HTTPTransport: node %d returned no public key", node)
	}
	return body.PublicKey.Point, nil
}

func (t *HTTPTransport) Refresh(ctx context.Context, node int, req *RefreshRequest) (*RefreshResponse, error) {
	var resp RefreshResponse
	if err := t.do(ctx, node, http.MethodPost, "/v1/refresh", req.SessionID, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) do(ctx context.Context, node int, method, path, requestID string, in, out interface{}) error {
	if node < 1 || node > len(t.endpoints) {
		return fmt.Errorf("rss.HTTPTransport: no endpoint for node %d", node)
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.endpoints[node-1]+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set(requestIDHeader, requestID)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e errorBody
		if json.Unmarshal(data, &e) != nil || e.Code == "" {
			return fmt.Errorf("rss.HTTPTransport: node %d: %s", node, resp.Status)
		}
		return fmt.Errorf("node %d: %w: %s", node, errorOf(&e), e.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
