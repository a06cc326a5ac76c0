package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// ScriptHandler runs a local executable with the alert as JSON on stdin
// and summary fields in the environment. Settings: path, optional args.
type ScriptHandler struct{}

func (ScriptHandler) Type() types.ChannelType { return types.ChannelScript }

func (ScriptHandler) Send(ctx context.Context, ch *types.NotificationChannel, alert *types.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	var args []string
	if raw := ch.Settings["args"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fmt.Errorf("channel %s: args must be a JSON string array: %w", ch.Name, err)
		}
	}

	cmd := exec.CommandContext(ctx, ch.Settings["path"], args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(cmd.Environ(),
		"ALERT_ID="+alert.ID,
		"ALERT_TITLE="+alert.Title,
		"ALERT_SEVERITY="+string(alert.Severity),
		"ALERT_STATUS="+string(alert.Status),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("script %s: %w: %s", ch.Settings["path"], err, bytes.TrimSpace(out))
	}
	return nil
}
