package entity

import (
	"fmt"
	"log/slog"
	"strings"
)

// Kind enumerates the play-state record types this engine tracks.
type Kind string

const (
	KindMovie   Kind = "movie"
	KindEpisode Kind = "episode"
	KindShow    Kind = "show"
)

// BackendMetadata is one backend's snapshot of a State: where the item lives
// on that backend, and what that backend last reported about play state.
type BackendMetadata struct {
	LibraryID    string
	ID           string // opaque remote id, unique within this backend
	Path         string
	AddedAt      int64 // unix seconds
	LastPlayedAt int64 // unix seconds, 0 if never played
	Watched      bool
	ProgressMS   int64
	Extra        map[string]string
}

// ExtraEvent is auxiliary event info a backend contributed alongside a write,
// e.g. the raw webhook event name and when it fired.
type ExtraEvent struct {
	Event string
	Date  int64 // unix seconds
}

// State is the canonical play-state record. See spec §3 for field semantics.
type State struct {
	ID      int64
	Type    Kind
	Via     string
	Title   string
	Year    int
	Season  int
	Episode int

	GUIDs         GUIDs
	ParentGUIDs   GUIDs
	RelativeGUIDs GUIDs
	// VirtualGUIDs holds one virtual identifier per contributing backend,
	// keyed by backend name (spec §3: "Each backend additionally
	// contributes a virtual GUID"). Kept out of GUIDs because every
	// backend mints its own — folding them into one map under a shared
	// key would let a second backend's virtual pointer evict the first's.
	VirtualGUIDs map[string]string

	Metadata map[string]BackendMetadata
	Extra    map[string]ExtraEvent

	Watched  bool
	Updated  int64
	Progress *int64 // milliseconds, nil when unknown
	Tainted  bool
}

// NewStateInput carries the already-extracted fields an adapter produces
// from a vendor payload. Adapters are responsible for vendor-specific
// extraction (GUID parsing, webhook shape); entity.New only validates and
// assembles the canonical record.
type NewStateInput struct {
	Type          Kind
	Backend       string // backend name, becomes Via and the metadata key
	Title         string
	Year          int
	Season        int
	Episode       int
	GUIDs         GUIDs
	ParentGUIDs   GUIDs
	RemoteID      string // this backend's opaque id for the item
	LibraryID     string
	Path          string
	AddedAt       int64
	LastPlayedAt  int64
	Watched       bool
	ProgressMS    int64
	Updated       int64
	Tainted       bool
	Event         string
	EventDate     int64
	MetadataExtra map[string]string
}

// New assembles a canonical State from one backend's report of an item.
// It sanitizes the GUID set (§3 "Unknown sources are discarded"), mints the
// backend's virtual GUID, and enforces the episode invariant
// (season >= 0 && episode >= 1) before returning.
func New(in NewStateInput, logger *slog.Logger) (State, error) {
	if in.Backend == "" {
		return State{}, fmt.Errorf("entity: backend name is required")
	}
	if in.Type == KindEpisode && (in.Season < 0 || in.Episode < 1) {
		return State{}, fmt.Errorf("entity: episode requires season>=0 and episode>=1, got season=%d episode=%d", in.Season, in.Episode)
	}

	guids := Sanitize(in.GUIDs, logger)
	parentGUIDs := Sanitize(in.ParentGUIDs, logger)

	var virtualGUIDs map[string]string
	if VirtualGUID(in.Backend, in.RemoteID) != "" {
		virtualGUIDs = map[string]string{strings.ToLower(in.Backend): in.RemoteID}
	}

	hasIdentity := len(guids) > 0 || len(virtualGUIDs) > 0
	if !hasIdentity && in.Type != KindEpisode {
		return State{}, fmt.Errorf("entity: state has no guid (real or virtual) and is not an episode that can fall back to a relative guid")
	}
	if !hasIdentity && len(parentGUIDs) == 0 {
		return State{}, fmt.Errorf("entity: episode has neither its own guid nor a parent guid to build a relative guid from")
	}

	var progress *int64
	if in.ProgressMS > 0 {
		p := in.ProgressMS
		progress = &p
	}

	meta := BackendMetadata{
		LibraryID:    in.LibraryID,
		ID:           in.RemoteID,
		Path:         in.Path,
		AddedAt:      in.AddedAt,
		LastPlayedAt: in.LastPlayedAt,
		Watched:      in.Watched,
		ProgressMS:   in.ProgressMS,
		Extra:        in.MetadataExtra,
	}

	s := State{
		Type:          in.Type,
		Via:           in.Backend,
		Title:         in.Title,
		Year:          in.Year,
		Season:        in.Season,
		Episode:       in.Episode,
		GUIDs:         guids,
		ParentGUIDs:   parentGUIDs,
		RelativeGUIDs: parentGUIDs,
		VirtualGUIDs:  virtualGUIDs,
		Metadata:      map[string]BackendMetadata{in.Backend: meta},
		Watched:       in.Watched,
		Updated:       in.Updated,
		Progress:      progress,
		Tainted:       in.Tainted,
	}
	if in.Event != "" {
		s.Extra = map[string]ExtraEvent{in.Backend: {Event: in.Event, Date: in.EventDate}}
	}
	return s, nil
}

// Pointers returns every identity pointer string for s: one "source://value"
// per real or virtual GUID, plus a "relative://parent:SxxExx" pointer for
// episodes that carry parent identity. Used by the mapper to index states.
func (s State) Pointers() []string {
	out := pointersFor(s.GUIDs)
	out = append(out, pointersForVirtual(s.VirtualGUIDs)...)
	if s.Type == KindEpisode {
		for _, parentPointer := range pointersFor(s.ParentGUIDs) {
			if r := RelativeGUID(parentPointer, s.Season, s.Episode); r != "" {
				out = append(out, r)
			}
		}
	}
	return out
}

// HasIdentity reports whether s satisfies the storage invariant: at least one
// GUID (real or virtual) or, for episodes, at least one relative GUID.
func (s State) HasIdentity() bool {
	if len(s.GUIDs) > 0 || len(s.VirtualGUIDs) > 0 {
		return true
	}
	return s.Type == KindEpisode && len(s.ParentGUIDs) > 0
}

// Matches reports whether a and b identify the same entity per spec §4.1:
// true iff their pointer sets intersect, OR (for episodes) they share a
// parent pointer and (season, episode).
func Matches(a, b State) bool {
	aPtrs := pointerSet(pointersFor(a.GUIDs))
	for _, p := range pointersFor(b.GUIDs) {
		if aPtrs[p] {
			return true
		}
	}
	aVirtual := pointerSet(pointersForVirtual(a.VirtualGUIDs))
	for _, p := range pointersForVirtual(b.VirtualGUIDs) {
		if aVirtual[p] {
			return true
		}
	}
	if a.Type == KindEpisode && b.Type == KindEpisode && a.Season == b.Season && a.Episode == b.Episode {
		aParents := pointerSet(pointersFor(a.ParentGUIDs))
		for _, p := range pointersFor(b.ParentGUIDs) {
			if aParents[p] {
				return true
			}
		}
	}
	return false
}

func pointerSet(ptrs []string) map[string]bool {
	m := make(map[string]bool, len(ptrs))
	for _, p := range ptrs {
		m[p] = true
	}
	return m
}
