package apiframework

import (
	"context"

	"github.com/google/uuid"
	"github.com/lipeng1667/HomeAssistantPro-sub000/libtracker"
)

// OutgoingRequestID returns the request ID to stamp on an outgoing HTTP
// request, reusing the one already carried by ctx so client logs and server
// logs correlate. A fresh UUID is generated when ctx has none.
func OutgoingRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(libtracker.ContextKeyRequestID).(string); ok && requestID != "" {
		return requestID
	}
	return uuid.New().String()
}
