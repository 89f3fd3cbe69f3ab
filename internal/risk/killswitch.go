package risk

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// KillSwitch is the manual halt for all trading. It never auto-clears: only
// explicit operator action (API call or marker file removal) deactivates it.
// State is mirrored to a filesystem marker so it survives restarts and can be
// toggled by touching the file.
type KillSwitch struct {
	mu          sync.RWMutex
	active      bool
	reason      string
	activatedAt time.Time

	markerPath string
	log        *zap.Logger
	now        func() time.Time
}

// NewKillSwitch creates a kill switch mirrored at markerPath. If the marker
// already exists the switch starts active, preserving an operator halt across
// restarts.
func NewKillSwitch(markerPath string, log *zap.Logger) *KillSwitch {
	k := &KillSwitch{
		markerPath: markerPath,
		log:        log.Named("killswitch"),
		now:        time.Now,
	}

	if data, err := os.ReadFile(markerPath); err == nil {
		reason := strings.TrimSpace(string(data))
		if reason == "" {
			reason = "marker file present at startup"
		}
		k.active = true
		k.reason = reason
		k.activatedAt = k.now()
		k.log.Warn("kill switch active from marker file", zap.String("reason", reason))
	}

	return k
}

// SetClock overrides the clock, for tests.
func (k *KillSwitch) SetClock(now func() time.Time) {
	k.now = now
}

// Active reports whether trading is halted.
func (k *KillSwitch) Active() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// State returns the full switch state for the control plane.
func (k *KillSwitch) State() (active bool, reason string, activatedAt time.Time) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active, k.reason, k.activatedAt
}

// Activate halts trading and writes the marker file. Activating an already
// active switch updates the reason.
func (k *KillSwitch) Activate(reason string) error {
	k.mu.Lock()
	k.active = true
	k.reason = reason
	k.activatedAt = k.now()
	k.mu.Unlock()

	k.log.Warn("kill switch activated", zap.String("reason", reason))

	if err := os.WriteFile(k.markerPath, []byte(reason+"\n"), 0o644); err != nil {
		return fmt.Errorf("write kill switch marker: %w", err)
	}
	return nil
}

// Deactivate resumes trading and removes the marker file.
func (k *KillSwitch) Deactivate() error {
	k.mu.Lock()
	k.active = false
	k.reason = ""
	k.activatedAt = time.Time{}
	k.mu.Unlock()

	k.log.Info("kill switch deactivated")

	if err := os.Remove(k.markerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove kill switch marker: %w", err)
	}
	return nil
}

// Poll watches the marker file until ctx is done, so an operator can toggle
// the switch by creating or deleting the file out of band.
func (k *KillSwitch) Poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.syncFromMarker()
		}
	}
}

// syncFromMarker reconciles in-memory state with the marker file.
func (k *KillSwitch) syncFromMarker() {
	data, err := os.ReadFile(k.markerPath)
	markerExists := err == nil

	k.mu.Lock()
	switch {
	case markerExists && !k.active:
		reason := strings.TrimSpace(string(data))
		if reason == "" {
			reason = "marker file created"
		}
		k.active = true
		k.reason = reason
		k.activatedAt = k.now()
		k.mu.Unlock()
		k.log.Warn("kill switch activated via marker file", zap.String("reason", reason))
	case !markerExists && k.active:
		k.active = false
		k.reason = ""
		k.activatedAt = time.Time{}
		k.mu.Unlock()
		k.log.Info("kill switch deactivated via marker file removal")
	default:
		k.mu.Unlock()
	}
}
