package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when
// the channel configures a secret.
const SignatureHeader = "X-PowerDaemon-Signature"

// WebhookHandler POSTs the alert as JSON to the configured url.
// Optional settings: secret (HMAC signing), plus any header_* entries
// forwarded as request headers.
type WebhookHandler struct {
	Client *http.Client
}

func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{Client: &http.Client{Timeout: 15 * time.Second}}
}

func (h *WebhookHandler) Type() types.ChannelType { return types.ChannelWebhook }

func (h *WebhookHandler) Send(ctx context.Context, ch *types.NotificationChannel, alert *types.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Settings["url"], bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range ch.Settings {
		if name, ok := strings.CutPrefix(key, "header_"); ok && name != "" {
			req.Header.Set(name, value)
		}
	}
	if secret := ch.Settings["secret"]; secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set(SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s returned %s", ch.Name, resp.Status)
	}
	return nil
}
