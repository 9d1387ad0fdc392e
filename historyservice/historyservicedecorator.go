package historyservice

import (
	"context"
	"strconv"

	"github.com/lipeng1667/HomeAssistantPro-sub000/chattypes"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libtracker"
)

type activityTrackerDecorator struct {
	service Service
	tracker libtracker.ActivityTracker
}

func (d *activityTrackerDecorator) FetchPage(ctx context.Context, conversationID int64, page, pageSize int) ([]chattypes.Message, error) {
	reportErr, _, end := d.tracker.Start(
		ctx,
		"read",
		"message_page",
		"conversation_id", conversationID,
		"page", page,
		"page_size", pageSize,
	)
	defer end()

	messages, err := d.service.FetchPage(ctx, conversationID, page, pageSize)
	if err != nil {
		reportErr(err)
		return nil, err
	}
	return messages, nil
}

func (d *activityTrackerDecorator) SendMessage(ctx context.Context, conversationID int64, content string, messageType chattypes.MessageType) (chattypes.Message, error) {
	reportErr, reportChange, end := d.tracker.Start(
		ctx,
		"create",
		"message",
		"conversation_id", conversationID,
		"message_type", string(messageType),
	)
	defer end()

	message, err := d.service.SendMessage(ctx, conversationID, content, messageType)
	if err != nil {
		reportErr(err)
		return chattypes.Message{}, err
	}
	reportChange(strconv.FormatInt(message.ID, 10), message)
	return message, nil
}

// WithActivityTracker wraps the service so every operation is reported to
// the tracker.
func WithActivityTracker(service Service, tracker libtracker.ActivityTracker) Service {
	return &activityTrackerDecorator{service: service, tracker: tracker}
}

var _ Service = (*activityTrackerDecorator)(nil)
