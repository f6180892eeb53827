package restapi

import (
	"context"
	"net/http"

	"github.com/everyst-io/everyst-client-go/wire"
)

// Notifications fetches the full notification history for the current
// user, most recent first.
func (c *Client) Notifications(ctx context.Context) ([]wire.Notification, error) {
	resp, err := c.do(ctx, http.MethodGet, "/notifications/", nil, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fail(resp)
	}
	var out []wire.Notification
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecentNotifications fetches the last week's notifications, capped by
// the backend.
func (c *Client) RecentNotifications(ctx context.Context) ([]wire.Notification, error) {
	resp, err := c.do(ctx, http.MethodGet, "/notifications/recent/", nil, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fail(resp)
	}
	var out []wire.Notification
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadCount fetches only the unread badge scalar.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	resp, err := c.do(ctx, http.MethodGet, "/notifications/unread_count/", nil, true)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fail(resp)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := decode(resp, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// MarkRead marks the given notifications read and returns how many
// records the backend updated.
func (c *Client) MarkRead(ctx context.Context, ids []string) (int, error) {
	body := map[string][]string{"ids": ids}
	resp, err := c.do(ctx, http.MethodPost, "/notifications/mark_as_read/", body, true)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fail(resp)
	}
	var out struct {
		Updated int `json:"updated"`
	}
	if err := decode(resp, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

// MarkAllRead marks every unread notification read.
func (c *Client) MarkAllRead(ctx context.Context) (int, error) {
	resp, err := c.do(ctx, http.MethodPost, "/notifications/mark_all_as_read/", struct{}{}, true)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fail(resp)
	}
	var out struct {
		Updated int `json:"updated"`
	}
	if err := decode(resp, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

// CreateNotification persists a notification over REST. This is the
// fallback delivery path used when no live transport session exists.
func (c *Client) CreateNotification(ctx context.Context, req wire.SendNotificationRequest) (wire.Notification, error) {
	body := map[string]any{
		"title":   req.Title,
		"message": req.Message,
		"type":    req.Type,
	}
	if req.Source != "" {
		body["source"] = req.Source
	}
	resp, err := c.do(ctx, http.MethodPost, "/notifications/", body, true)
	if err != nil {
		return wire.Notification{}, err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return wire.Notification{}, fail(resp)
	}
	var out wire.Notification
	if err := decode(resp, &out); err != nil {
		return wire.Notification{}, err
	}
	return out, nil
}
