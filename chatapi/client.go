// Package chatapi is the authenticated HTTP client for the chat REST API.
// Every request carries a timestamp header and an HMAC signature computed
// over it with the shared app secret.
package chatapi

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/lipeng1667/HomeAssistantPro-sub000/apiframework"
	"github.com/lipeng1667/HomeAssistantPro-sub000/chattypes"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libcipher"
)

const (
	// HeaderTimestamp carries the request's unix time in milliseconds.
	HeaderTimestamp = "X-Timestamp"
	// HeaderSignature carries the hex HMAC-SHA256 of the timestamp value.
	HeaderSignature = "X-Signature"
	// HeaderRequestID correlates client and server logs.
	HeaderRequestID = "X-Request-ID"

	messagesPath = "/api/chat/messages"

	defaultRequestTimeout = 30 * time.Second
)

// Config carries the settings for the signed client.
type Config struct {
	BaseURL        string
	AppSecret      string
	RequestTimeout time.Duration
}

// Client talks to the chat REST endpoints.
type Client struct {
	http   *resty.Client
	secret []byte
	now    func() time.Time
}

// New builds a signed client. The app secret must not be empty; without it
// every request would be rejected server-side anyway.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("chatapi: base URL is required")
	}
	if cfg.AppSecret == "" {
		return nil, errors.New("chatapi: app secret is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	client := &Client{
		secret: []byte(cfg.AppSecret),
		now:    time.Now,
	}
	client.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return client.signRequest(req)
		})
	return client, nil
}

func (c *Client) signRequest(req *resty.Request) error {
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	signature, err := libcipher.Sign([]byte(timestamp), c.secret, sha256.New)
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	req.SetHeader(HeaderTimestamp, timestamp)
	req.SetHeader(HeaderSignature, signature)
	req.SetHeader(HeaderRequestID, apiframework.OutgoingRequestID(req.Context()))
	return nil
}

// Pagination is the cursor block returned alongside a message page.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fetchMessagesData struct {
	ConversationID int64               `json:"conversation_id"`
	Messages       []chattypes.Message `json:"messages"`
	Pagination     Pagination          `json:"pagination"`
}

type postMessageRequest struct {
	ConversationID int64  `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
}

// FetchMessages retrieves one history page. Page 1 is the newest page and
// every page arrives newest-first; callers reverse for display order.
func (c *Client) FetchMessages(ctx context.Context, conversationID int64, page, limit int) ([]chattypes.Message, Pagination, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("conversationId", strconv.FormatInt(conversationID, 10)).
		SetQueryParam("page", strconv.Itoa(page)).
		SetQueryParam("limit", strconv.Itoa(limit)).
		Get(messagesPath)
	if err != nil {
		return nil, Pagination{}, apiframework.ClassifyTransportError(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, Pagination{}, apiframework.HandleAPIError(resp.StatusCode(), resp.Body())
	}
	var data fetchMessagesData
	if err := decodeEnvelope(resp.Body(), &data); err != nil {
		return nil, Pagination{}, err
	}
	return data.Messages, data.Pagination, nil
}

// PostMessage persists a new message over REST and returns the server-side
// record with its assigned id and timestamp.
func (c *Client) PostMessage(ctx context.Context, conversationID, userID int64, content string, messageType chattypes.MessageType) (chattypes.Message, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(postMessageRequest{
			ConversationID: conversationID,
			UserID:         userID,
			Content:        content,
			MessageType:    string(messageType),
		}).
		Post(messagesPath)
	if err != nil {
		return chattypes.Message{}, apiframework.ClassifyTransportError(err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return chattypes.Message{}, apiframework.HandleAPIError(resp.StatusCode(), resp.Body())
	}
	var message chattypes.Message
	if err := decodeEnvelope(resp.Body(), &message); err != nil {
		return chattypes.Message{}, err
	}
	return message, nil
}

func decodeEnvelope(body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return apiframework.DecodeFailure(err)
	}
	if env.Status != "success" {
		message := env.Message
		if message == "" {
			message = "server reported failure"
		}
		return apiframework.ServerError(http.StatusOK, message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apiframework.DecodeFailure(err)
	}
	return nil
}
