// Package client contains the GophChat transports.
//
// # Overview
//
// The package provides:
//  1. GRPCClient, the request/response API. Requests and responses are
//     google.protobuf.Struct values sent with ClientConn.Invoke against
//     the gophchat.v1.Chat service. An interceptor injects the access
//     token, transparently refreshes it once when the server reports it
//     expired, and gRPC status codes are mapped to the sentinels in
//     internal/common.
//  2. WSRealtime, the websocket change feed and presence channels. It
//     implements realtime.Feed.
//  3. Link, which joins both into the transport probed by the
//     connectivity supervisor.
//  4. Local persistence bootstrap (InitDatabase, RunMigrations) wiring an
//     SQLite database and applying embedded goose migrations.
//
// # Errors
//
// Transport failures surface as common.ErrUnavailable, ErrUnauthorized,
// ErrRefreshTokenExpired or ErrNotFound. The socket adds ErrNotConnected,
// ErrClosed, ErrTimeout and *ServerError.
//
// All operations accept context.Context and honor cancellation.
package client
