package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerdaemon/powerdaemon/pkg/types"
)

func TestWebhookHandlerPostsSignedJSON(t *testing.T) {
	var gotBody []byte
	var gotSig, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		gotToken = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := &types.NotificationChannel{
		Name: "hook",
		Type: types.ChannelWebhook,
		Settings: map[string]string{
			"url":                  srv.URL,
			"secret":               "s3cret",
			"header_Authorization": "Bearer abc",
		},
	}
	alert := testAlert(types.SeverityCritical)
	require.NoError(t, NewWebhookHandler().Send(context.Background(), ch, alert))

	var decoded types.Alert
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, alert.ID, decoded.ID)
	assert.Equal(t, "Bearer abc", gotToken)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestWebhookHandlerRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := &types.NotificationChannel{
		Name:     "hook",
		Type:     types.ChannelWebhook,
		Settings: map[string]string{"url": srv.URL},
	}
	err := NewWebhookHandler().Send(context.Background(), ch, testAlert(types.SeverityInfo))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
