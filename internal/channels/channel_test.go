package channels

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

func TestIsAllowedEmptyAllowListAllowsEveryone(t *testing.T) {
	c := NewBaseChannel("test", bus.New(), nil)
	if !c.IsAllowed("anyone") {
		t.Error("expected empty allowlist to allow all senders")
	}
}

func TestIsAllowedMatchesCompoundSenderID(t *testing.T) {
	c := NewBaseChannel("test", bus.New(), []string{"123", "@carol"})

	if !c.IsAllowed("123|alice") {
		t.Error("expected numeric ID match against compound sender")
	}
	if !c.IsAllowed("999|carol") {
		t.Error("expected username match against compound sender")
	}
	if c.IsAllowed("456|mallory") {
		t.Error("expected non-allowlisted sender to be rejected")
	}
}

func TestCheckPolicyDisabledRejectsEverything(t *testing.T) {
	c := NewBaseChannel("test", bus.New(), nil)
	if c.CheckPolicy("direct", "disabled", "open", "anyone") {
		t.Error("expected disabled policy to reject all senders")
	}
}

func TestCheckPolicyAllowlistDelegatesToIsAllowed(t *testing.T) {
	c := NewBaseChannel("test", bus.New(), []string{"1"})
	if !c.CheckPolicy("direct", "allowlist", "open", "1") {
		t.Error("expected allowlisted sender to pass the allowlist policy")
	}
	if c.CheckPolicy("direct", "allowlist", "open", "2") {
		t.Error("expected non-allowlisted sender to fail the allowlist policy")
	}
}

func TestCheckPolicyGroupUsesGroupPolicy(t *testing.T) {
	c := NewBaseChannel("test", bus.New(), nil)
	if c.CheckPolicy("group", "disabled", "disabled", "anyone") {
		t.Error("expected group messages to use groupPolicy, not dmPolicy")
	}
}

func TestHandleMessagePublishesInbound(t *testing.T) {
	msgBus := bus.New()
	c := NewBaseChannel("test", msgBus, nil)

	c.HandleMessage("42|dave", "chat-1", "hello", nil, nil, "direct")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a published inbound message")
	}
	if msg.UserID != "42" {
		t.Errorf("expected userID derived from senderID prefix, got %q", msg.UserID)
	}
	if msg.Content != "hello" {
		t.Errorf("expected content to pass through unchanged, got %q", msg.Content)
	}
}

func TestHandleMessageRejectsDisallowedSender(t *testing.T) {
	msgBus := bus.New()
	c := NewBaseChannel("test", msgBus, []string{"1"})

	c.HandleMessage("2|mallory", "chat-1", "hello", nil, nil, "direct")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := msgBus.ConsumeInbound(ctx); ok {
		t.Error("expected disallowed sender's message to be dropped, not published")
	}
}

func TestValidatePolicyLogsUnrecognizedValuesWithoutPanicking(t *testing.T) {
	c := NewBaseChannel("test", bus.New(), nil)
	c.ValidatePolicy("bogus", "also-bogus")
	c.ValidatePolicy("", "")
	c.ValidatePolicy(string(DMPolicyOpen), string(GroupPolicyAllowlist))
}
