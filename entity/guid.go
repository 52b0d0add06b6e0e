// Package entity defines the canonical play-state record (State) shared by
// every backend adapter, the identity graph that lets the same item be
// recognized across vendors, and the merge/match rules that decide which
// write wins when two backends disagree.
package entity

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// GUIDs is a mapping from external-source tag to external id, e.g.
// "imdb" -> "tt1160419". The zero value is a valid empty set.
type GUIDs map[string]string

// sourcePattern validates the external id shape for one supported source.
// Unknown sources and ids that fail their pattern are dropped by Sanitize.
var sourcePattern = map[string]*regexp.Regexp{
	"imdb":   regexp.MustCompile(`^tt\d+$`),
	"tvdb":   regexp.MustCompile(`^\d+$`),
	"tmdb":   regexp.MustCompile(`^\d+$`),
	"tvmaze": regexp.MustCompile(`^\d+$`),
	"tvrage": regexp.MustCompile(`^\d+$`),
	"anidb":  regexp.MustCompile(`^\d+$`),
}

// SupportedSources returns the fixed alphabet of external GUID sources this
// module recognizes, sorted for deterministic logging/tests.
func SupportedSources() []string {
	out := make([]string, 0, len(sourcePattern))
	for k := range sourcePattern {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Sanitize returns a copy of raw with unknown sources and malformed ids
// removed. Empty values are dropped silently; every other drop is logged at
// warn level with the offending pair so an operator can see why an item
// failed to carry an identity. A nil logger disables logging.
func Sanitize(raw GUIDs, logger *slog.Logger) GUIDs {
	if len(raw) == 0 {
		return nil
	}
	out := make(GUIDs, len(raw))
	for source, value := range raw {
		source = strings.ToLower(strings.TrimSpace(source))
		value = strings.TrimSpace(value)
		pattern, known := sourcePattern[source]
		switch {
		case value == "":
			continue
		case !known:
			if logger != nil {
				logger.Warn("dropping guid with unknown source", "source", source, "value", value)
			}
		case !pattern.MatchString(value):
			if logger != nil {
				logger.Warn("dropping guid that fails source pattern", "source", source, "value", value)
			}
		default:
			out[source] = value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// virtualNamePattern constrains the backend-name component of a virtual GUID
// to the grammar fixed by §6: "[a-z0-9_]+".
var virtualNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// VirtualGUID builds the synthetic identifier a backend contributes for
// items that carry no third-party external id: "backend://<name>:<remote_id>".
// Returns "" if name doesn't match the backend-name grammar or remoteID is
// empty, since an unaddressable virtual GUID is worse than none.
func VirtualGUID(name, remoteID string) string {
	name = strings.ToLower(name)
	if remoteID == "" || !virtualNamePattern.MatchString(name) {
		return ""
	}
	return fmt.Sprintf("backend://%s:%s", name, remoteID)
}

// RelativeGUID builds the pointer for an episode identified only relative to
// its parent show: "relative://<parent>:S<season>E<episode>".
func RelativeGUID(parentPointer string, season, episode int) string {
	if parentPointer == "" {
		return ""
	}
	return fmt.Sprintf("relative://%s:S%02dE%02d", parentPointer, season, episode)
}

// pointersFor returns the full set of identity pointer strings for a GUID set:
// one "source://value" entry per pair, sorted for deterministic output.
func pointersFor(g GUIDs) []string {
	if len(g) == 0 {
		return nil
	}
	out := make([]string, 0, len(g))
	for source, value := range g {
		out = append(out, source+"://"+value)
	}
	sort.Strings(out)
	return out
}

// pointersForVirtual rebuilds the "backend://name:remote_id" pointer string
// for each backend-keyed virtual GUID, sorted for deterministic output.
func pointersForVirtual(v map[string]string) []string {
	if len(v) == 0 {
		return nil
	}
	out := make([]string, 0, len(v))
	for name, remoteID := range v {
		if p := VirtualGUID(name, remoteID); p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
