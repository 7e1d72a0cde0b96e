package tools

import "context"

type contextKey string

const (
	userIDKey    contextKey = "valet.user_id"
	channelIDKey contextKey = "valet.channel_id"
	platformKey  contextKey = "valet.platform"
	workerKey    contextKey = "valet.worker_id"
)

// WithUserID attaches the user identity for per-user tool scoping.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the user identity, "" when absent.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// WithChannel attaches the originating channel and platform.
func WithChannel(ctx context.Context, channelID, platform string) context.Context {
	ctx = context.WithValue(ctx, channelIDKey, channelID)
	return context.WithValue(ctx, platformKey, platform)
}

// ChannelFromContext returns the originating channel and platform.
func ChannelFromContext(ctx context.Context) (channelID, platform string) {
	c, _ := ctx.Value(channelIDKey).(string)
	p, _ := ctx.Value(platformKey).(string)
	return c, p
}

// WithWorkerID marks the context as running inside a worker session.
// worker_dispatch refuses to nest when this is set.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerKey, workerID)
}

// WorkerIDFromContext returns the enclosing worker id, "" outside workers.
func WorkerIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(workerKey).(string)
	return v
}
