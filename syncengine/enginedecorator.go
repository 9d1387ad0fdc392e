package syncengine

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

func (d *activityTrackerDecorator) LoadInitial(ctx context.Context, conversationID int64) error {
	reportErr, reportChange, end := d.tracker.Start(
		ctx,
		"load_initial",
		"conversation",
		"conversation_id", conversationID,
	)
	defer end()

	if err := d.service.LoadInitial(ctx, conversationID); err != nil {
		reportErr(err)
		return err
	}
	reportChange(strconv.FormatInt(conversationID, 10), map[string]any{
		"messages": len(d.service.Messages()),
		"has_more": d.service.HasMore(),
	})
	return nil
}

func (d *activityTrackerDecorator) LoadOlder(ctx context.Context, conversationID int64) (int64, error) {
	reportErr, reportChange, end := d.tracker.Start(
		ctx,
		"load_older",
		"conversation",
		"conversation_id", conversationID,
	)
	defer end()

	anchorID, err := d.service.LoadOlder(ctx, conversationID)
	if err != nil {
		reportErr(err)
		return 0, err
	}
	reportChange(strconv.FormatInt(conversationID, 10), map[string]any{
		"anchor_id": anchorID,
		"has_more":  d.service.HasMore(),
	})
	return anchorID, nil
}

func (d *activityTrackerDecorator) Send(ctx context.Context, content string) (chattypes.Message, error) {
	reportErr, reportChange, end := d.tracker.Start(ctx, "send", "message")
	defer end()

	message, err := d.service.Send(ctx, content)
	if err != nil {
		reportErr(err)
		return chattypes.Message{}, err
	}
	reportChange(strconv.FormatInt(message.ID, 10), message)
	return message, nil
}

func (d *activityTrackerDecorator) SetTyping(ctx context.Context, typing bool) error {
	reportErr, _, end := d.tracker.Start(ctx, "set_typing", "conversation", "typing", typing)
	defer end()

	if err := d.service.SetTyping(ctx, typing); err != nil {
		reportErr(err)
		return err
	}
	return nil
}

func (d *activityTrackerDecorator) Reconnect(ctx context.Context) error {
	reportErr, _, end := d.tracker.Start(ctx, "reconnect", "transport")
	defer end()

	if err := d.service.Reconnect(ctx); err != nil {
		reportErr(err)
		return err
	}
	return nil
}

func (d *activityTrackerDecorator) Close(ctx context.Context) error {
	reportErr, _, end := d.tracker.Start(ctx, "close", "engine")
	defer end()

	if err := d.service.Close(ctx); err != nil {
		reportErr(err)
		return err
	}
	return nil
}

func (d *activityTrackerDecorator) Messages() []chattypes.Message { return d.service.Messages() }
func (d *activityTrackerDecorator) HasMore() bool                 { return d.service.HasMore() }
func (d *activityTrackerDecorator) IsLoadingInitial() bool        { return d.service.IsLoadingInitial() }
func (d *activityTrackerDecorator) IsLoadingOlder() bool          { return d.service.IsLoadingOlder() }
func (d *activityTrackerDecorator) ConnectionState() chattypes.ConnectionState {
	return d.service.ConnectionState()
}
func (d *activityTrackerDecorator) PeerTyping() bool            { return d.service.PeerTyping() }
func (d *activityTrackerDecorator) Subscribe(listener Listener) { d.service.Subscribe(listener) }

// WithActivityTracker wraps the engine so every operation is reported to
// the tracker.
func WithActivityTracker(service Service, tracker libtracker.ActivityTracker) Service {
	return &activityTrackerDecorator{service: service, tracker: tracker}
}

var _ Service = (*activityTrackerDecorator)(nil)
