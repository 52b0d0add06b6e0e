// Package emby adapts Emby servers, which share Jellyfin's API shape
// closely enough (both descend from the same fork point) that this package
// is a thin wrapper over adapter/jellyfin rather than a parallel
// implementation — spec §4.2 groups them under one ambient-stack header,
// "MediaBrowser Token", and Emby carries no progress-endpoint version gate.
package emby

import (
	"github.com/watchstate/syncengine/adapter"
	"github.com/watchstate/syncengine/adapter/jellyfin"
)

// Adapter wraps a jellyfin.Adapter configured for Emby's auth header and
// backend name, re-exporting the capability set rather than reimplementing
// it. Name() and WithContext() are overridden so the wrapper type, not the
// embedded one, satisfies adapter.Adapter end to end.
type Adapter struct {
	*jellyfin.Adapter
}

// New creates an Emby adapter bound to ctx.
func New(ctx adapter.Context) *Adapter {
	return &Adapter{Adapter: jellyfin.NewNamed("emby", "X-Emby-Token", ctx)}
}

func (a *Adapter) Name() string { return "emby" }

func (a *Adapter) WithContext(ctx adapter.Context) adapter.Adapter {
	return &Adapter{Adapter: jellyfin.NewNamed("emby", "X-Emby-Token", ctx)}
}

// Ensure the wrapper type itself is assignable wherever adapter.Adapter is
// expected, independent of the embedded jellyfin.Adapter's own conformance.
var _ adapter.Adapter = (*Adapter)(nil)
