// Package appcontext carries request-scoped values from UI collaborators down
// to the HTTP transport.
package appcontext

import "context"

type contextKey string

// String returns the string representation of the context key.
func (c contextKey) String() string {
	return string(c)
}

var (
	// ContextJWTToken represents the context key for the bearer token.
	ContextJWTToken = contextKey("jwtToken")
	// ContextDeviceID represents the context key for the device identifier.
	ContextDeviceID = contextKey("deviceID")
)

// WithJWTToken returns a new context with the provided JWT token.
func WithJWTToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ContextJWTToken, token)
}

// GetJWTToken retrieves the JWT token from the context.
func GetJWTToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(ContextJWTToken).(string)
	return token, ok && token != ""
}

// WithDeviceID tags outgoing requests with the device they originate from.
func WithDeviceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextDeviceID, id)
}

func GetDeviceID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextDeviceID).(string)
	return id, ok && id != ""
}
