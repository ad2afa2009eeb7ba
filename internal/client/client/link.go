package client

import (
	"context"
	"errors"
)

// Link joins the request/response API and the realtime socket into the
// single transport the connectivity supervisor drives.
type Link struct {
	API      *GRPCClient
	Realtime *WSRealtime
}

// Reconnect re-establishes the API channel first, then the socket.
func (l *Link) Reconnect(ctx context.Context) error {
	if err := l.API.Reconnect(ctx); err != nil {
		return err
	}
	return l.Realtime.Reconnect(ctx)
}

// Ping succeeds only when both legs answer.
func (l *Link) Ping(ctx context.Context) error {
	apiErr := l.API.Ping(ctx)
	rtErr := l.Realtime.Ping(ctx)
	return errors.Join(apiErr, rtErr)
}

// Disconnect drops the socket; the API channel stays usable.
func (l *Link) Disconnect() {
	l.Realtime.Disconnect()
}

func (l *Link) Close() error {
	return errors.Join(l.Realtime.Close(), l.API.Close())
}
