package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nikira-studio/lifequery/internal/errors"
	"github.com/nikira-studio/lifequery/pkg/types"
)

// RemoteConnector talks to the external message bridge over HTTP. The bridge
// owns provider credentials and sessions; this client only relays the auth
// flow and pulls message batches.
type RemoteConnector struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteConnector builds a connector for the configured bridge URL.
func NewRemoteConnector(baseURL string) *RemoteConnector {
	return &RemoteConnector{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{},
	}
}

func (rc *RemoteConnector) configured() error {
	if rc.baseURL == "" {
		return errors.Config("message bridge URL is not configured")
	}
	return nil
}

func (rc *RemoteConnector) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := rc.configured(); err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rc.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := rc.httpClient.Do(req)
	if err != nil {
		return errors.Transient("message bridge unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Upstream(fmt.Sprintf("message bridge returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b))), nil)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Status implements Connector.
func (rc *RemoteConnector) Status(ctx context.Context) (*ConnectorStatus, error) {
	var status ConnectorStatus
	if err := rc.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// AuthStart implements Connector.
func (rc *RemoteConnector) AuthStart(ctx context.Context, phone string) error {
	return rc.do(ctx, http.MethodPost, "/auth/start", map[string]string{"phone": phone}, nil)
}

// AuthVerify implements Connector.
func (rc *RemoteConnector) AuthVerify(ctx context.Context, code, password string) error {
	return rc.do(ctx, http.MethodPost, "/auth/verify", map[string]string{"code": code, "password": password}, nil)
}

// Disconnect implements Connector.
func (rc *RemoteConnector) Disconnect(ctx context.Context) error {
	return rc.do(ctx, http.MethodPost, "/disconnect", nil, nil)
}

// Open implements Connector, returning a Source that pages through the
// bridge's /messages endpoint.
func (rc *RemoteConnector) Open(_ context.Context, afterTS int64) (Source, error) {
	if err := rc.configured(); err != nil {
		return nil, err
	}
	return &remoteSource{connector: rc, afterTS: afterTS}, nil
}

type remoteSource struct {
	connector *RemoteConnector
	afterTS   int64
	exhausted bool
}

// Chats implements Source.
func (rs *remoteSource) Chats(ctx context.Context) ([]types.Chat, error) {
	var chats []types.Chat
	if err := rs.connector.do(ctx, http.MethodGet, "/chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// Next implements Source. The cursor advances past the last returned
// timestamp so repeated calls page forward.
func (rs *remoteSource) Next(ctx context.Context, limit int) ([]types.Message, error) {
	if rs.exhausted {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	var batch []types.Message
	path := fmt.Sprintf("/messages?after_ts=%d&limit=%d", rs.afterTS, limit)
	if err := rs.connector.do(ctx, http.MethodGet, path, nil, &batch); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		rs.exhausted = true
		return nil, nil
	}
	for i := range batch {
		if batch[i].Timestamp > rs.afterTS {
			rs.afterTS = batch[i].Timestamp
		}
	}
	return batch, nil
}
