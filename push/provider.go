package push

import (
	"context"
	"fmt"
	"os"

	"github.com/secretlove/love-relay/config"
)

// NewProvider builds the provider cfg selects. It returns nil, nil when the selected
// provider has no credentials, which leaves push disabled.
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.PushProvider {
	case config.PushOneSignal, "", config.PushFCM:
	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.PushProvider)
	}
	if !cfg.PushEnabled() {
		return nil, nil
	}
	if cfg.PushProvider == config.PushFCM {
		buf, err := os.ReadFile(cfg.FCM.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("fail to read fcm credentials file, err: %w", err)
		}
		return NewFCM(ctx, cfg.FCM.ProjectID, buf, cfg.FCM.URL, cfg.FCM.Timeout.Duration)
	}
	return NewOneSignal(cfg.OneSignal.AppID, cfg.OneSignal.APIKey, cfg.OneSignal.URL, cfg.OneSignal.Timeout.Duration), nil
}
