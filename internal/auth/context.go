// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated caller identity through request
// contexts.
package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	deviceIDKey  contextKey = "device_id"
	sessionIDKey contextKey = "session_id"
)

// SetIdentity stores the full caller identity in the context.
func SetIdentity(ctx context.Context, userID, deviceID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, deviceIDKey, deviceID)
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// GetUserID retrieves the user id from the context.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// GetDeviceID retrieves the device id from the context.
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

// GetSessionID retrieves the session id from the context.
func GetSessionID(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(sessionIDKey).(string)
	return sessionID, ok
}
