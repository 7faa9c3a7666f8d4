package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/notify"
	"github.com/OSM-es/CatAtomApi/internal/repository"
)

const maxChatText = 2000

// ChatLog is the append-only discussion of a job.
type ChatLog struct {
	sink notify.Sink
	now  func() time.Time
}

func NewChatLog(sink notify.Sink) *ChatLog {
	if sink == nil {
		sink = notify.Discard{}
	}
	return &ChatLog{sink: sink, now: time.Now}
}

// Messages returns the chat in posting order.
func (c *ChatLog) Messages(job *repository.Job) ([]domain.Message, error) {
	var msgs []domain.Message
	if _, err := job.Dir.ReadJSON(ChatFile, &msgs); err != nil {
		return nil, Unexpected(err, "read chat")
	}
	return msgs, nil
}

// AddMessage appends text by user and pushes it to the job room.
func (c *ChatLog) AddMessage(ctx context.Context, job *repository.Job, user *domain.User, text string) (domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, NotValid("message is empty")
	}
	if len(text) > maxChatText {
		return domain.Message{}, NotValid("message is longer than %d bytes", maxChatText)
	}
	if user == nil {
		return domain.Message{}, Conflict("a user is required to chat")
	}

	job.Lock()
	defer job.Unlock()

	msgs, err := c.Messages(job)
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{ID: uuid.New().String(), User: *user, Text: text, Time: c.now().UTC()}
	msgs = append(msgs, msg)
	if err := job.Dir.WriteJSON(ChatFile, msgs); err != nil {
		return domain.Message{}, Unexpected(err, "write chat")
	}
	c.sink.Notify(ctx, notify.Event{Kind: notify.KindChat, JobID: job.Key.ID(), Payload: msg})
	return msg, nil
}
