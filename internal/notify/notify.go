// Package notify raises user-facing alerts on meaningful connection-state
// transitions. Delivery failures are logged and never propagated.
package notify

import (
	"fmt"

	"github.com/gen2brain/beeep"
)

// Payload is a generic user-facing notification payload.
type Payload struct {
	Title   string
	Content string
}

// Sender sends notifications using a platform-specific backend.
type Sender interface {
	Send(payload Payload) error
}

// DesktopSender delivers via the OS notification service.
type DesktopSender struct {
	AppName string
}

func NewDesktopSender(appName string) *DesktopSender {
	if appName == "" {
		appName = "blewatch"
	}
	return &DesktopSender{AppName: appName}
}

func (s *DesktopSender) Send(payload Payload) error {
	if payload.Title == "" && payload.Content == "" {
		return nil
	}
	if err := beeep.Notify(payload.Title, payload.Content, ""); err != nil {
		return fmt.Errorf("send desktop notification: %w", err)
	}
	return nil
}
