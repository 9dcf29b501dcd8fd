// Package logctx enriches log records with session context carried on the
// context.Context that flows into collaborator calls. Install Handler at
// the root logger; any code logging with a session-scoped context gets the
// session attributes for free.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("role", sd.Role),
			slog.String("peer", sd.PeerDevice),
		))
	}

	if md, ok := ctx.Value(missionDataKey{}).(*MissionData); ok {
		r.AddAttrs(slog.Group("mission",
			slog.Int("id", int(md.MissionID)),
			slog.String("bundle", md.BundleName),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type sessionDataKey struct{}

// SessionData identifies the session an operation runs on behalf of.
type SessionData struct {
	SessionID  string
	Role       string
	PeerDevice string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type missionDataKey struct{}

// MissionData identifies the mission being continued.
type MissionData struct {
	MissionID  int32
	BundleName string
}

func WithMissionData(ctx context.Context, data *MissionData) context.Context {
	return context.WithValue(ctx, missionDataKey{}, data)
}
