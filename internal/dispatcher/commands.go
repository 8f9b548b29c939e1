package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/audit"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/recovery"
)

// handleCommand intercepts /clear, /memory, /log, /restart before the
// LLM is touched. Returns handled=true if text was a recognized command
// (whether or not it succeeded) — spec.md 4.F: "Intercept command-style
// inputs before touching the LLM."
func (d *Dispatcher) handleCommand(userID, channelID, platform, text string) (handled bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "/clear":
		d.cfg.Sessions.Delete(userID)
		d.reply(channelID, platform, "Session cleared.")
		return true

	case "/memory":
		collabs, err := d.cfg.Collabs(userID)
		if err != nil {
			d.reply(channelID, platform, "Could not load memory.")
			return true
		}
		content, err := collabs.Memory.BuildContext(context.Background(), "", 50)
		if err != nil || strings.TrimSpace(content) == "" {
			d.reply(channelID, platform, "Core memory is empty.")
			return true
		}
		d.reply(channelID, platform, content)
		return true

	case "/log":
		entries, err := d.cfg.ToolCalls.TailForUser(userID, 20)
		if err != nil {
			d.reply(channelID, platform, "Could not read the tool-call log.")
			return true
		}
		d.reply(channelID, platform, formatToolCallEntries(entries))
		return true

	case "/restart":
		marker := recovery.RestartMarker{UserID: userID, ChannelID: channelID, Platform: platform, Reason: "user requested"}
		code, err := d.cfg.Recovery.RequestRestart(marker)
		if err != nil {
			d.reply(channelID, platform, "Could not start a restart.")
			return true
		}
		d.reply(channelID, platform, "Restarting now.")
		d.exit(code)
		return true

	default:
		return false
	}
}

// exit is overridden in tests so a /restart command doesn't terminate
// the test binary.
func (d *Dispatcher) exit(code int) {
	if d.cfg.Exit != nil {
		d.cfg.Exit(code)
	}
}

func (d *Dispatcher) reply(channelID, platform, text string) {
	if d.cfg.Send == nil {
		return
	}
	d.cfg.Send(bus.OutboundMessage{Channel: platform, ChatID: channelID, Content: text})
}

func formatToolCallEntries(entries []audit.ToolCallEntry) string {
	if len(entries) == 0 {
		return "No tool calls recorded yet."
	}
	var sb strings.Builder
	for _, e := range entries {
		status := "ok"
		if e.Error != "" {
			status = "error: " + e.Error
		}
		fmt.Fprintf(&sb, "[%s] %s (%s)\n", e.Timestamp.Format("15:04:05"), e.ToolName, status)
	}
	return sb.String()
}
