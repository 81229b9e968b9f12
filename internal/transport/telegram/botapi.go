package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"engagebot/internal/engine"
)

// APIError is a failed Bot API response.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed: %s (code=%d)", e.Method, e.Description, e.Code)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter      int   `json:"retry_after"`
		MigrateToChatID int64 `json:"migrate_to_chat_id"`
	} `json:"parameters"`
}

// call posts payload to a Bot API method and decodes the result into out.
// Errors are classified for the engine governor (see classify).
func (a *Adapter) call(ctx context.Context, method string, payload any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return engine.Permanent(err)
	}
	url := a.cfg.APIURL + "/bot" + a.cfg.Token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return engine.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		// Network failures are transient; the governor retries them.
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var r apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("telegram %s: http=%d: decode: %w", method, resp.StatusCode, err)
	}
	if !r.OK || resp.StatusCode/100 != 2 {
		apiErr := &APIError{Method: method, Code: r.ErrorCode, Description: r.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if r.Parameters != nil && r.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(r.Parameters.RetryAfter) * time.Second
		}
		return classify(apiErr)
	}
	if out != nil && len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return engine.Permanent(fmt.Errorf("telegram %s: decode result: %w", method, err))
		}
	}
	return nil
}

// classify maps a Bot API failure onto the engine's error taxonomy.
func classify(e *APIError) error {
	desc := strings.ToLower(e.Description)
	switch {
	case e.Code == http.StatusTooManyRequests:
		wait := e.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		return engine.RateLimit(e, wait)
	case strings.Contains(desc, "not a member"),
		strings.Contains(desc, "need to join"),
		strings.Contains(desc, "join the discussion"):
		return fmt.Errorf("%w: %w", engine.ErrMembershipRequired, e)
	case strings.Contains(desc, "chat not found"),
		strings.Contains(desc, "channel_private"),
		strings.Contains(desc, "kicked"),
		strings.Contains(desc, "chat is deactivated"),
		e.Code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", engine.ErrChannelUnavailable, e)
	case e.Code >= 500:
		return e
	case e.Code >= 400:
		return engine.Permanent(e)
	default:
		return e
	}
}

// ---- Bot API payloads ----

type apiChat struct {
	ID                 int64          `json:"id"`
	Type               string         `json:"type"`
	Title              string         `json:"title"`
	Username           string         `json:"username"`
	LinkedChatID       int64          `json:"linked_chat_id"`
	AvailableReactions *[]apiReaction `json:"available_reactions"`
}

type apiReaction struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji,omitempty"`
}

type apiChatMember struct {
	Status string `json:"status"`
}

type apiMessage struct {
	MessageID int `json:"message_id"`
}

func chatID(id string) any {
	id = strings.TrimSpace(id)
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func (a *Adapter) getChat(ctx context.Context, id any) (apiChat, error) {
	var c apiChat
	err := a.call(ctx, "getChat", map[string]any{"chat_id": id}, &c)
	return c, err
}

func (a *Adapter) isMember(ctx context.Context, chat int64) (bool, error) {
	if a.botID == 0 {
		return false, errors.New("bot id unknown")
	}
	var m apiChatMember
	if err := a.call(ctx, "getChatMember", map[string]any{"chat_id": chat, "user_id": a.botID}, &m); err != nil {
		return false, err
	}
	switch m.Status {
	case "creator", "administrator", "member":
		return true, nil
	default:
		return false, nil
	}
}
