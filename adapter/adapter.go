// Package adapter defines the capability set every backend implementation
// (Plex, Jellyfin, Emby) satisfies, and the value types adapters exchange
// with the orchestrator. See spec §4.2.
package adapter

import (
	"context"
	"time"

	"github.com/watchstate/syncengine/entity"
	"github.com/watchstate/syncengine/queue"
)

// ErrLevel classifies a Result's failure per spec §7.
type ErrLevel string

const (
	LevelTransient ErrLevel = "transient" // network, 5xx, 429, timeout — retried by the queue
	LevelValidation ErrLevel = "validation"
	LevelAuth       ErrLevel = "auth"
	LevelVersion    ErrLevel = "version"
	LevelConfig     ErrLevel = "config"
	LevelFatal      ErrLevel = "fatal"
)

// Err is the structured failure carried by a non-ok Result.
type Err struct {
	Level    ErrLevel
	Message  string
	Context  map[string]any
	Previous error
}

func (e *Err) Error() string { return e.Message }
func (e *Err) Unwrap() error { return e.Previous }

// Extra carries transport-level detail (HTTP status, vendor message) that
// doesn't belong in Err itself.
type Extra struct {
	HTTPCode int
	Message  string
}

// Result is the uniform shape every adapter operation returns: never a raw
// panic or exception, always an inspectable value (spec §7).
type Result[T any] struct {
	OK    bool
	Value T
	Err   *Err
	Extra Extra
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] { return Result[T]{OK: true, Value: v} }

// Fail wraps a failure at the given level.
func Fail[T any](level ErrLevel, message string, previous error) Result[T] {
	return Result[T]{Err: &Err{Level: level, Message: message, Previous: previous}}
}

// Library is one browsable library section on a backend.
type Library struct {
	ID           string
	Name         string
	Type         string // the vendor's section type as reported, e.g. "movies"/"tvshows" (Jellyfin) or "movie"/"show" (Plex)
	IsSupported  bool   // false for photo/music libraries etc. — orchestrator skips these
}

// RawItem is a single library entry as an adapter's ToState input, already
// decoded from the vendor's JSON shape but not yet canonicalized.
type RawItem struct {
	RemoteID       string
	Type           entity.Kind
	Title          string
	Year           int
	Season         int
	Episode        int
	IndexNumberEnd int // >0 for a multi-episode file; last episode index covered
	GUIDs          entity.GUIDs
	ParentGUIDs    entity.GUIDs
	LibraryID      string
	Path           string
	AddedAt        int64
	LastPlayedAt   int64
	Watched        bool
	ProgressMS     int64
}

// PageOptions controls one segmented library fetch (spec §4.3 step 5).
type PageOptions struct {
	LibraryID   string
	StartIndex  int
	Limit       int // 0 means "count only" request
	After       *time.Time
}

// Page is one segment's worth of items plus the backend's reported total.
type Page struct {
	Items            []RawItem
	TotalRecordCount int
}

// User is a backend-local user account, as returned by ListUsers.
type User struct {
	ID   string
	Name string
}

// AnnotatedRequest carries the user/backend identity extracted from an
// inbound webhook request by InspectRequest (spec §4.2, §4.8 step 2).
type AnnotatedRequest struct {
	UserID    string
	BackendID string // backend UUID as reported by the vendor payload
}

// Semver is a minimal parsed backend version, enough for feature gating
// (spec §4.2 "Progress endpoint requires server version >= 10.9").
type Semver struct {
	Major, Minor, Patch int
}

// AtLeast reports whether s >= other.
func (s Semver) AtLeast(other Semver) bool {
	if s.Major != other.Major {
		return s.Major > other.Major
	}
	if s.Minor != other.Minor {
		return s.Minor > other.Minor
	}
	return s.Patch >= other.Patch
}

// Adapter is the capability set every backend implementation satisfies.
type Adapter interface {
	Name() string
	WithContext(ctx Context) Adapter

	ListLibraries(ctx context.Context) Result[[]Library]
	GetLibraryPage(ctx context.Context, opts PageOptions) Result[Page]
	GetMetadata(ctx context.Context, remoteID string) Result[RawItem]

	ParseWebhook(req WebhookRequest) Result[entity.State]
	InspectRequest(req WebhookRequest) Result[AnnotatedRequest]

	Push(ctx context.Context, states []entity.State, q *queue.Queue) Result[struct{}]
	Progress(ctx context.Context, states []entity.State, q *queue.Queue) Result[struct{}]

	Search(ctx context.Context, query string, limit int) Result[[]RawItem]
	SearchByGUID(ctx context.Context, guids entity.GUIDs) Result[[]RawItem]

	GetIdentifier(ctx context.Context, forceRefresh bool) Result[string]
	ListUsers(ctx context.Context) Result[[]User]
	GetVersion(ctx context.Context) Result[Semver]
}

// WebhookRequest is the vendor-neutral shape an HTTP webhook listener hands
// to an adapter's ParseWebhook/InspectRequest. The webhook package fills
// this in from the actual HTTP request (multipart for Plex, JSON body for
// Jellyfin/Emby) so adapters never touch net/http directly.
type WebhookRequest struct {
	ContentType string
	Body        []byte // the raw request body — for Plex a multipart form whose "payload" field the adapter extracts
	Headers     map[string]string
}
