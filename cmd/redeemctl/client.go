package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marko911/bullion-redeem/internal/history"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

// apiError is the error body the redemption API returns.
type apiError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	Status     string `json:"status,omitempty"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
	if e.Field != "" {
		msg += " [field " + e.Field + "]"
	}
	if e.RequestID != "" {
		msg += fmt.Sprintf(" [request %s is %s]", e.RequestID, e.Status)
	}
	return msg
}

type client struct {
	endpoint string
	token    string
	http     *http.Client
}

func newClient(endpoint, token string) *client {
	return &client{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		http:     &http.Client{Timeout: 90 * time.Second},
	}
}

type createRequest struct {
	Venue           string                     `json:"venue"`
	AssetKind       string                     `json:"assetKind"`
	Quantity        string                     `json:"quantity"`
	DeliveryAddress redemption.DeliveryAddress `json:"deliveryAddress"`
}

type statusResponse struct {
	ID     string            `json:"id"`
	Status redemption.Status `json:"status"`
}

func (c *client) request(ctx context.Context, body createRequest) (*statusResponse, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/redemptions", body, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) cancel(ctx context.Context, id string) (*statusResponse, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/redemptions/cancel", map[string]string{"id": id}, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) show(ctx context.Context, id string, wait time.Duration) (*redemption.Request, error) {
	path := "/api/v1/redemptions/" + url.PathEscape(id)
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	var rec redemption.Request
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *client) history(ctx context.Context, q url.Values) (*history.Page, error) {
	path := "/api/v1/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page history.Page
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// advance drives an operator transition: "processing" or "fulfilled".
func (c *client) advance(ctx context.Context, id, step string) (*redemption.Request, error) {
	var rec redemption.Request
	path := "/internal/v1/redemptions/" + url.PathEscape(id) + "/" + step
	if err := c.do(ctx, http.MethodPost, path, nil, http.StatusOK, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// watch prints stream messages until ctx is done or the server closes.
func (c *client) watch(ctx context.Context, out io.Writer) error {
	u, err := url.Parse(c.endpoint + "/api/v1/redemptions/stream")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fmt.Fprintln(out, string(data))
	}
}

func (c *client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rdr)
	if err != nil {
		return fmt.Errorf("cannot create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = "http_error"
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
