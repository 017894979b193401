// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth carries verified JWT claims through a request context.
package auth

import (
	"context"
)

type contextKey string

const (
	subjectKey contextKey = "subject"
	roleKey    contextKey = "role"
)

// SetSubject sets the token subject in the context
func SetSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// Subject retrieves the token subject from the context
func Subject(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(subjectKey).(string)
	return sub, ok
}

// SetRole sets the database role claim in the context
func SetRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// Role retrieves the database role claim from the context
func Role(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(roleKey).(string)
	return role, ok
}

// SetClaims sets subject and role together
func SetClaims(ctx context.Context, subject, role string) context.Context {
	return SetRole(SetSubject(ctx, subject), role)
}
