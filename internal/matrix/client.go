// Package matrix はMatrixクライアントサーバーAPIの最小限のクライアントを提供する。
// ログイン、同期、ルーム参加、メッセージ送信、参加中ルーム一覧のみを扱う。
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/challengebot/internal/config"
	"github.com/hitoshi/challengebot/internal/model"
)

// ErrNotLoggedIn はセッション確立前またはセッション失効後にAPIを呼んだ場合のエラー。
var ErrNotLoggedIn = errors.New("matrix: not logged in")

const (
	apiPrefix = "/_matrix/client/v3"
	// maxErrorBody はエラーレスポンスとして読み込む最大サイズ。
	maxErrorBody = 64 * 1024
	// msgTypeNotice はボットの投稿に使うメッセージ種別。他のボットが反応しない。
	msgTypeNotice = "m.notice"
	formatHTML    = "org.matrix.custom.html"
)

// Client はMatrixホームサーバーのクライアント。
// アクセストークンは複数のgoroutineから安全に参照できる。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	homeserver string
	userID     string
	deviceID   string
	deviceName string
	limiter    *rate.Limiter

	mu          sync.RWMutex
	accessToken string
}

// NewClient はClientを生成する。送信はcfg.SendRate/SendBurstでレート制限される。
func NewClient(httpClient *http.Client, cfg config.MatrixConfig, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		homeserver: strings.TrimRight(cfg.HomeserverURL, "/"),
		userID:     cfg.UserID,
		deviceID:   cfg.DeviceID,
		deviceName: cfg.DeviceName,
		limiter:    rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
	}
}

// UserID はボット自身のユーザーIDを返す。
func (c *Client) UserID() string {
	return c.userID
}

// LoggedIn はアクセストークンを保持しているかを返す。
func (c *Client) LoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken != ""
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// Logout はローカルのセッションを破棄する。以降の呼び出しはErrNotLoggedInとなる。
func (c *Client) Logout() {
	c.setToken("")
}

type loginRequest struct {
	Type       string `json:"type"`
	Identifier struct {
		Type string `json:"type"`
		User string `json:"user"`
	} `json:"identifier"`
	Password                 string `json:"password"`
	DeviceID                 string `json:"device_id,omitempty"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// Login はパスワードでログインし、アクセストークンを保持する。
func (c *Client) Login(ctx context.Context, password string) error {
	body := loginRequest{
		Type:                     "m.login.password",
		Password:                 password,
		DeviceID:                 c.deviceID,
		InitialDeviceDisplayName: c.deviceName,
	}
	body.Identifier.Type = "m.id.user"
	body.Identifier.User = c.userID

	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/login", nil, body, &resp, false); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.AccessToken == "" {
		return fmt.Errorf("login: empty access token")
	}

	c.mu.Lock()
	c.accessToken = resp.AccessToken
	if resp.DeviceID != "" {
		c.deviceID = resp.DeviceID
	}
	c.mu.Unlock()

	c.logger.Info("ホームサーバーにログインしました",
		slog.String("user_id", resp.UserID),
		slog.String("device_id", resp.DeviceID),
	)
	return nil
}

// Sync は前回のnext_batchからの差分を取得する。
// sinceが空の場合は初回同期となる。timeoutはロングポーリングの待ち時間。
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	q := url.Values{}
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if since != "" {
		q.Set("since", since)
	}

	var resp SyncResponse
	if err := c.do(ctx, http.MethodGet, "/sync", q, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	return &resp, nil
}

// JoinRoom は招待されたルームに参加する。
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	if err := c.do(ctx, http.MethodPost, "/join/"+url.PathEscape(roomID), nil, struct{}{}, nil, true); err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	return nil
}

// SendMessage はルームにm.noticeメッセージを送信する。
// FormattedBodyが空でない場合はHTML形式も付与する。
func (c *Client) SendMessage(ctx context.Context, roomID string, msg model.Message) error {
	if !c.LoggedIn() {
		return ErrNotLoggedIn
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send to %s: %w", roomID, err)
	}

	content := MessageContent{
		MsgType: msgTypeNotice,
		Body:    msg.Body,
	}
	if msg.FormattedBody != "" {
		content.Format = formatHTML
		content.FormattedBody = msg.FormattedBody
	}

	path := fmt.Sprintf("/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), EventRoomMessage, uuid.NewString())
	if err := c.do(ctx, http.MethodPut, path, nil, content, nil, true); err != nil {
		return fmt.Errorf("send to %s: %w", roomID, err)
	}
	return nil
}

// JoinedRooms はボットが参加中のルームID一覧を返す。
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	var resp struct {
		JoinedRooms []string `json:"joined_rooms"`
	}
	if err := c.do(ctx, http.MethodGet, "/joined_rooms", nil, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("joined_rooms: %w", err)
	}
	return resp.JoinedRooms, nil
}

// do はAPIを呼び出し、成功時にレスポンスをoutへデコードする。
// トークン失効（M_UNKNOWN_TOKEN）を受け取った場合はセッションを破棄する。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any, auth bool) error {
	token := ""
	if auth {
		token = c.token()
		if token == "" {
			return ErrNotLoggedIn
		}
	}

	reqURL := c.homeserver + apiPrefix + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "challengebot/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &Error{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.ErrCode == "" {
			apiErr.ErrCode = "M_UNKNOWN"
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if apiErr.ErrCode == "M_UNKNOWN_TOKEN" {
			c.logger.Warn("アクセストークンが失効しました", slog.String("path", path))
			c.Logout()
		}
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}
