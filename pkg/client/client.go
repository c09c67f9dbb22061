// Package client provides a Go SDK for the crew HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ankittk/crew/pkg/models"
)

// Client calls the crew HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3962"
	APIKey     string       // optional; set for X-API-Key / api_key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:3962").
// APIKey is optional; when set, requests use the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// CreateItemRequest is the POST /items payload. Type and Title are required.
type CreateItemRequest struct {
	Type         string `json:"type"`
	ParentID     string `json:"parent_id,omitempty"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	AssignedRole string `json:"assigned_role,omitempty"`
	Priority     int    `json:"priority,omitempty"`
}

// CreateItem creates a work item and returns it.
func (c *Client) CreateItem(ctx context.Context, req CreateItemRequest) (*models.WorkItem, error) {
	var out models.WorkItem
	err := c.doJSON(ctx, http.MethodPost, "/items", req, &out)
	return &out, err
}

// ItemFilter narrows ListItems. Zero values mean "no filter".
type ItemFilter struct {
	Status string
	Type   string
	Role   string
	Limit  int
}

func (f ItemFilter) query() string {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.Role != "" {
		q.Set("role", f.Role)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListItems returns work items matching the filter.
func (c *Client) ListItems(ctx context.Context, f ItemFilter) ([]models.WorkItem, error) {
	var out []models.WorkItem
	err := c.doJSON(ctx, http.MethodGet, "/items"+f.query(), nil, &out)
	return out, err
}

// GetItem returns a work item by ID.
func (c *Client) GetItem(ctx context.Context, itemID string) (*models.WorkItem, error) {
	var out models.WorkItem
	err := c.doJSON(ctx, http.MethodGet, "/items/"+url.PathEscape(itemID), nil, &out)
	return &out, err
}

// ItemHistory returns a work item's audit log.
func (c *Client) ItemHistory(ctx context.Context, itemID string) ([]models.WorkHistory, error) {
	var out []models.WorkHistory
	err := c.doJSON(ctx, http.MethodGet, "/items/"+url.PathEscape(itemID)+"/history", nil, &out)
	return out, err
}

// ItemMessages returns the messages linked to a work item.
func (c *Client) ItemMessages(ctx context.Context, itemID string) ([]models.AgentMessage, error) {
	var out []models.AgentMessage
	err := c.doJSON(ctx, http.MethodGet, "/items/"+url.PathEscape(itemID)+"/messages", nil, &out)
	return out, err
}

// ListAvailable returns claimable work items in scheduling order.
func (c *Client) ListAvailable(ctx context.Context) ([]models.WorkItem, error) {
	var out []models.WorkItem
	err := c.doJSON(ctx, http.MethodGet, "/available", nil, &out)
	return out, err
}

// SendMessageRequest is the POST /messages payload. FromAgent, ToAgent,
// MessageType, and Content are required.
type SendMessageRequest struct {
	FromAgent   string `json:"from_agent"`
	ToAgent     string `json:"to_agent"`
	MessageType string `json:"message_type"`
	Subject     string `json:"subject,omitempty"`
	Content     string `json:"content"`
	ItemID      string `json:"item_id,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// SendMessage sends a message between agents and returns it.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*models.AgentMessage, error) {
	var out models.AgentMessage
	err := c.doJSON(ctx, http.MethodPost, "/messages", req, &out)
	return &out, err
}

// Inbox returns an agent's inbox (limit 0 = default).
func (c *Client) Inbox(ctx context.Context, agentID string, limit int) ([]models.AgentMessage, error) {
	path := "/messages?agent=" + url.QueryEscape(agentID)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var out []models.AgentMessage
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetMessage returns a message by ID.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*models.AgentMessage, error) {
	var out models.AgentMessage
	err := c.doJSON(ctx, http.MethodGet, "/messages/"+url.PathEscape(messageID), nil, &out)
	return &out, err
}

// Resurrect returns a dead-lettered message to the pending queue.
func (c *Client) Resurrect(ctx context.Context, messageID string) error {
	return c.doJSON(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/resurrect", nil, nil)
}

// MessageStats returns message counts by status.
func (c *Client) MessageStats(ctx context.Context) (*models.MessageStats, error) {
	var out models.MessageStats
	err := c.doJSON(ctx, http.MethodGet, "/messages/stats", nil, &out)
	return &out, err
}
