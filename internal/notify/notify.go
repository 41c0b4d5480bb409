// Package notify wakes message recipients. Agents living in tmux panes get
// a send-keys nudge; an Owner without a pane is reached through the macOS
// notification center when the sender is the Admin. Failure to notify never
// loses the message, it only downgrades the reported delivery state.
package notify

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"time"

	"github.com/jaakkos/tmuxcrew/internal/domain"
)

// Delivery states reported back to send_message callers.
const (
	StateBroadcast        = "broadcast"
	StateDelivered        = "delivered"
	StateQueuedUnnotified = "queued_unnotified"
)

// Notification methods.
const (
	MethodTmux          = "tmux"
	MethodMacOS         = "macos"
	MethodMacOSFallback = "macos_fallback"
	MethodNone          = "none"
)

const (
	tmuxNotifyMaxRetries    = 3
	tmuxNotifyRetryInterval = 500 * time.Millisecond
	osascriptTimeout        = 5 * time.Second
	notifyTitle             = "Multi-Agent MCP"
)

// paneSender is the slice of the tmux wrapper the dispatcher needs.
type paneSender interface {
	SendKeysDebounced(target, keys string, debounceMs int) error
}

// Dispatcher decides how to wake a recipient and executes the attempt.
type Dispatcher struct {
	tmux   paneSender
	logger *log.Logger

	// Injection points for tests.
	osaRun func(body, title string) error
	sleep  func(time.Duration)
}

// NewDispatcher creates a dispatcher over the given tmux wrapper.
func NewDispatcher(tmux paneSender, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		tmux:   tmux,
		logger: logger,
		osaRun: runOsascript,
		sleep:  time.Sleep,
	}
}

// Result describes one notification attempt.
type Result struct {
	Method   string `json:"notification_method"`
	Notified bool   `json:"notification_sent"`
	State    string `json:"delivery_status"`
}

// Notify attempts to wake the recipient of a freshly delivered message.
//
//	pane + any sender      -> tmux send-keys with retries
//	pane, tmux failed      -> macOS fallback, admin->owner only
//	no pane, admin->owner  -> macOS notification only
//	no pane, otherwise     -> no attempt
func (d *Dispatcher) Notify(sender, recipient *domain.Agent, msgType domain.MessageType, senderID string) Result {
	adminToOwner := sender != nil && recipient != nil &&
		sender.Role == domain.RoleAdmin && recipient.Role == domain.RoleOwner

	if recipient != nil && recipient.HasPane() {
		if err := d.sendToPane(recipient, msgType, senderID); err == nil {
			return Result{Method: MethodTmux, Notified: true, State: StateDelivered}
		} else if d.logger != nil {
			d.logger.Printf("notify: tmux nudge to %s failed: %v", recipient.ID, err)
		}
		if adminToOwner {
			if err := d.sendMacOS(msgType, senderID); err == nil {
				return Result{Method: MethodMacOSFallback, Notified: true, State: StateDelivered}
			}
		}
		return Result{Method: MethodNone, Notified: false, State: StateQueuedUnnotified}
	}

	if adminToOwner {
		if err := d.sendMacOS(msgType, senderID); err == nil {
			return Result{Method: MethodMacOS, Notified: true, State: StateDelivered}
		}
		return Result{Method: MethodNone, Notified: false, State: StateQueuedUnnotified}
	}

	return Result{Method: MethodNone, Notified: false, State: StateQueuedUnnotified}
}

// sendToPane types the notification line into the recipient's pane. The
// recipient's CLI picks it up as a user prompt; retries cover panes that are
// briefly unresponsive right after a split.
func (d *Dispatcher) sendToPane(recipient *domain.Agent, msgType domain.MessageType, senderID string) error {
	text := fmt.Sprintf("[IPC] 新しいメッセージ: %s from %s", msgType, senderID)
	target := recipient.PaneTarget()

	var lastErr error
	for attempt := 0; attempt < tmuxNotifyMaxRetries; attempt++ {
		if lastErr = d.tmux.SendKeysDebounced(target, text, 0); lastErr == nil {
			return nil
		}
		if attempt < tmuxNotifyMaxRetries-1 {
			d.sleep(tmuxNotifyRetryInterval)
		}
	}
	return lastErr
}

func (d *Dispatcher) sendMacOS(msgType domain.MessageType, senderID string) error {
	body := fmt.Sprintf("[IPC] %s from %s", msgType, senderID)
	err := d.osaRun(body, notifyTitle)
	if err != nil && d.logger != nil {
		d.logger.Printf("notify: osascript failed: %v", err)
	}
	return err
}

func runOsascript(body, title string) error {
	ctx, cancel := context.WithTimeout(context.Background(), osascriptTimeout)
	defer cancel()
	script := fmt.Sprintf("display notification %q with title %q", body, title)
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w\noutput: %s", err, out)
	}
	return nil
}
