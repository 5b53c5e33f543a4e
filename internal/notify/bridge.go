package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bryan-buckman/nearby/internal/model"
)

// ErrNoToken is returned by HostBridge before the host has supplied a token.
var ErrNoToken = errors.New("notify: host has not supplied a device token")

// HostBridge holds the device token the host pushes through the local API.
type HostBridge struct {
	mu    sync.Mutex
	token string
}

// Supply records the token obtained by the host.
func (b *HostBridge) Supply(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
}

// DeviceToken implements TokenBridge.
func (b *HostBridge) DeviceToken(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token == "" {
		return "", ErrNoToken
	}
	return b.token, nil
}

// InstallID returns the persistent id of this installation, creating one on
// first use.
func InstallID(settings Settings) (string, error) {
	id, err := settings.GetSetting(model.SettingInstallID)
	if err == nil && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := settings.SetSetting(model.SettingInstallID, id); err != nil {
		return "", fmt.Errorf("persist install id: %w", err)
	}
	return id, nil
}
