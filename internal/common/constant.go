// Package common contains shared constants and sentinel errors used across
// gophnotes components.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on outbound requests.
const AccessTokenHeaderName = "access_token"

// ProtocolVersion is the payload format version written by this build.
const ProtocolVersion = "004"

// RootKeyRef is the key reference of payloads wrapped by the account root key.
const RootKeyRef = "root"
