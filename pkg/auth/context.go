package auth

import (
	"context"
	"errors"
)

type contextKey string

const subjectKey contextKey = "subject"

// WithSubject attaches the authenticated username to the context.
func WithSubject(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, subjectKey, username)
}

// Subject retrieves the authenticated username from the context.
func Subject(ctx context.Context) (string, error) {
	s, ok := ctx.Value(subjectKey).(string)
	if !ok || s == "" {
		return "", errors.New("no authenticated subject in context")
	}
	return s, nil
}

// MustSubject panics when no subject is present. Use only behind the auth
// middleware, which guarantees it.
func MustSubject(ctx context.Context) string {
	s, err := Subject(ctx)
	if err != nil {
		panic(err)
	}
	return s
}
