// Package common contains shared constants and sentinel errors used across
// GophChat components.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on outbound requests.
const AccessTokenHeaderName = "access_token"

// ClientVersionHeaderName carries the client build version on outbound requests.
const ClientVersionHeaderName = "client_version"
