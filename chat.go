package scenemesh

import (
	"context"
	"log/slog"

	"go-scenemesh/metrics"
)

// chatDelivery is the payload sent to a client for one chat line.
type chatDelivery struct {
	Channel string `json:"channel"`
	Sender  string `json:"sender"`
	Body    string `json:"body"`
}

// chatDeliverer is the chat instantiation of the sync pump. There is no
// membership to reconcile: every fetched row is itself the payload, and the
// fan-out rule depends on the channel's scope. Group scopes resolve
// membership through the snapshots the guild and party pumps maintain.
type chatDeliverer struct {
	store     Store
	sessions  *SessionManager
	transport Transport
	guilds    *rosterReconciler
	parties   *rosterReconciler
	logger    *slog.Logger
}

func newChatDeliverer(store Store, sessions *SessionManager, transport Transport, guilds, parties *rosterReconciler, logger *slog.Logger) *chatDeliverer {
	return &chatDeliverer{
		store:     store,
		sessions:  sessions,
		transport: transport,
		guilds:    guilds,
		parties:   parties,
		logger:    logger,
	}
}

func (c *chatDeliverer) latestCursor(ctx context.Context) (Cursor, error) {
	return c.store.LatestChatCursor(ctx)
}

func (c *chatDeliverer) poll(ctx context.Context, after Cursor, limit int) (pumpBatch, error) {
	var messages, err = c.store.FetchChatMessages(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	return &chatBatch{deliverer: c, messages: messages}, nil
}

// chatBatch is one fetch of chat rows.
type chatBatch struct {
	deliverer *chatDeliverer
	messages  []ChatMessage
}

func (b *chatBatch) size() int {
	return len(b.messages)
}

func (b *chatBatch) last() Cursor {
	return b.messages[len(b.messages)-1].Cursor()
}

func (b *chatBatch) deliver(ctx context.Context) {
	for _, message := range b.messages {
		b.deliverer.fanOut(message)
	}
}

// fanOut sends one message to every locally resident character the scope
// selects. Residents of other scenes never see scene-scoped lines, even in
// the same world.
func (c *chatDeliverer) fanOut(message ChatMessage) {
	var payload = chatDelivery{
		Channel: message.Channel,
		Sender:  message.Sender,
		Body:    message.Body,
	}

	var matches func(char CharacterRecord) bool
	switch message.Scope {
	case ScopeGlobal:
		matches = func(CharacterRecord) bool { return true }
	case ScopeScene:
		matches = func(char CharacterRecord) bool { return char.SceneName == message.SceneName }
	case ScopeGuild:
		matches = func(char CharacterRecord) bool { return c.guilds.isMember(message.GroupID, char.ID) }
	case ScopeParty:
		matches = func(char CharacterRecord) bool { return c.parties.isMember(message.GroupID, char.ID) }
	default:
		c.logger.Warn("chat message with unknown scope dropped",
			"scope", message.Scope, "channel", message.Channel)
		return
	}

	c.sessions.EachResident(func(session *Session) {
		if !matches(session.Character()) {
			return
		}
		if err := c.transport.Send(session.Conn(), "chat", payload); err == nil {
			metrics.NotificationsDelivered.WithLabelValues("chat").Inc()
		}
	})
}
