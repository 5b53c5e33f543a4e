// Package notify registers this device for push notifications: it obtains a
// token from the host bridge and hands it to the server.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bryan-buckman/nearby/internal/model"
)

// State is the registrar's permission state.
type State string

const (
	StateDefault State = "default"
	StateLoading State = "loading"
	StateGranted State = "granted"
	StateDenied  State = "denied"
)

// ErrBusy is returned by Enable while a registration is already running.
var ErrBusy = errors.New("notify: registration in progress")

// Troubleshooting messages shown instead of raw errors.
const (
	MsgNoBridge       = "Notifications are not available here. Open the installed app to turn them on."
	MsgNoToken        = "Notifications are blocked. Allow notifications for this app in your device settings, then try again."
	MsgRegisterFailed = "Notifications could not be turned on right now. Check your connection and try again."
)

// TokenBridge is the host-side source of push device tokens.
type TokenBridge interface {
	DeviceToken(ctx context.Context) (string, error)
}

// Registerer hands a device token to the collaborator.
type Registerer interface {
	RegisterDeviceToken(ctx context.Context, token string, loc *model.Location) error
}

// Settings persists the granted state and token across restarts.
type Settings interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Config bounds the token retry loop.
type Config struct {
	Attempts   int
	RetryDelay time.Duration
}

// Registrar is the default → loading → granted|denied state machine.
type Registrar struct {
	bridge   TokenBridge
	remote   Registerer
	settings Settings
	location func() *model.Location
	cfg      Config
	log      *zap.Logger

	mu      sync.Mutex
	state   State
	message string
	token   string
}

// New returns a registrar. bridge may be nil when the host has no push support;
// settings may be nil to skip persistence.
func New(bridge TokenBridge, remote Registerer, settings Settings, location func() *model.Location, cfg Config, log *zap.Logger) *Registrar {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	if location == nil {
		location = func() *model.Location { return nil }
	}
	r := &Registrar{
		bridge:   bridge,
		remote:   remote,
		settings: settings,
		location: location,
		cfg:      cfg,
		log:      log,
		state:    StateDefault,
	}
	r.restore()
	return r
}

// Status is a point-in-time view of the registrar.
type Status struct {
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

// Status returns the current state and troubleshooting message.
func (r *Registrar) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{State: r.state, Message: r.message}
}

// Token returns the registered device token, if granted.
func (r *Registrar) Token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// Enable runs one registration attempt cycle. It is valid from default and
// denied; granted is a no-op and loading returns ErrBusy.
func (r *Registrar) Enable(ctx context.Context) (Status, error) {
	r.mu.Lock()
	switch r.state {
	case StateLoading:
		r.mu.Unlock()
		return Status{State: StateLoading}, ErrBusy
	case StateGranted:
		st := Status{State: r.state}
		r.mu.Unlock()
		return st, nil
	}
	r.state = StateLoading
	r.message = ""
	r.mu.Unlock()

	if r.bridge == nil {
		return r.deny(MsgNoBridge, nil), nil
	}
	token, err := r.acquire(ctx)
	if err != nil {
		return r.deny(MsgNoToken, err), nil
	}
	loc := r.location()
	if err := r.remote.RegisterDeviceToken(ctx, token, loc); err != nil {
		return r.deny(MsgRegisterFailed, err), nil
	}

	r.mu.Lock()
	r.state = StateGranted
	r.token = token
	r.mu.Unlock()
	r.persist(StateGranted, token)
	r.log.Info("device registered for notifications", zap.Bool("with_location", loc != nil))
	return Status{State: StateGranted}, nil
}

// acquire polls the bridge for a token up to cfg.Attempts times.
func (r *Registrar) acquire(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		token, err := r.bridge.DeviceToken(ctx)
		token = strings.TrimSpace(token)
		if err == nil && token != "" {
			return token, nil
		}
		if err == nil {
			err = errors.New("empty device token")
		}
		lastErr = err
		r.log.Debug("device token not ready", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == r.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.cfg.RetryDelay):
		}
	}
	return "", fmt.Errorf("no device token after %d attempts: %w", r.cfg.Attempts, lastErr)
}

func (r *Registrar) deny(msg string, cause error) Status {
	r.mu.Lock()
	r.state = StateDenied
	r.message = msg
	r.mu.Unlock()
	r.persist(StateDenied, "")
	if cause != nil {
		r.log.Warn("notification registration failed", zap.Error(cause))
	} else {
		r.log.Info("notification bridge absent")
	}
	return Status{State: StateDenied, Message: msg}
}

func (r *Registrar) restore() {
	if r.settings == nil {
		return
	}
	state, err := r.settings.GetSetting(model.SettingNotificationState)
	if err != nil || State(state) != StateGranted {
		return
	}
	token, err := r.settings.GetSetting(model.SettingDeviceToken)
	if err != nil || token == "" {
		return
	}
	r.state = StateGranted
	r.token = token
}

func (r *Registrar) persist(state State, token string) {
	if r.settings == nil {
		return
	}
	if err := r.settings.SetSetting(model.SettingNotificationState, string(state)); err != nil {
		r.log.Warn("persist notification state", zap.Error(err))
	}
	if err := r.settings.SetSetting(model.SettingDeviceToken, token); err != nil {
		r.log.Warn("persist device token", zap.Error(err))
	}
}
