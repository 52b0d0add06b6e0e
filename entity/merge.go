package entity

import "log/slog"

// Merge reconciles an incoming report with the existing stored record for
// the same entity, per spec §4.1.
//
//   - incoming wins for watched/progress/via/updated when incoming.Updated is
//     strictly newer; a tainted incoming wins for progress/via/updated when
//     it is strictly newer or carries a transition, and never flips watched.
//   - guids and parent_guids are unioned; a source present in both with
//     different values is logged and resolved in favor of whichever side is
//     newer.
//   - metadata[b] and extra[b] are replaced wholesale for the contributing
//     backend; other backends' entries are preserved.
//   - title/year are filled only if currently absent.
//
// Tie-break: equal Updated prefers watched=true (watched is monotonic by
// policy); if that's also equal, the existing record wins (idempotence).
func Merge(existing, incoming State, logger *slog.Logger) State {
	out := existing

	switch {
	case incoming.Updated > existing.Updated:
		// Newer write: incoming wins across the board, except that a
		// tainted event never flips watched on its own.
		if !incoming.Tainted {
			out.Watched = incoming.Watched
		}
		out.Progress = incoming.Progress
		out.Via = incoming.Via
		out.Updated = incoming.Updated
		out.Tainted = incoming.Tainted
	case incoming.Tainted && isTransition(incoming):
		// A tainted (play/pause/resume) event never flips watched on its
		// own, but it is still the freshest position we've heard — record
		// progress and via/updated without touching watched.
		out.Progress = incoming.Progress
		out.Via = incoming.Via
		out.Updated = maxInt64(existing.Updated, incoming.Updated)
		out.Tainted = true
	case incoming.Updated == existing.Updated:
		if incoming.Watched && !existing.Watched {
			out.Watched = true
			out.Via = incoming.Via
		}
		// else: existing wins outright (idempotence tie-break).
	}

	out.GUIDs = unionGUIDs(existing.GUIDs, incoming.GUIDs, existing.Updated, incoming.Updated, logger)
	out.ParentGUIDs = unionGUIDs(existing.ParentGUIDs, incoming.ParentGUIDs, existing.Updated, incoming.Updated, logger)
	out.RelativeGUIDs = out.ParentGUIDs
	out.VirtualGUIDs = unionVirtualGUIDs(existing.VirtualGUIDs, incoming.VirtualGUIDs)

	out.Metadata = cloneMetadata(existing.Metadata)
	if incoming.Via != "" {
		for backend, m := range incoming.Metadata {
			out.Metadata[backend] = m
		}
	}

	out.Extra = cloneExtra(existing.Extra)
	if incoming.Via != "" {
		for backend, e := range incoming.Extra {
			out.Extra[backend] = e
		}
	}

	if out.Title == "" {
		out.Title = incoming.Title
	}
	if out.Year == 0 {
		out.Year = incoming.Year
	}

	return out
}

// isTransition reports whether a tainted incoming state actually carries a
// watched/progress transition worth recording, rather than a no-op resend of
// the same values already on file. Tainted events may update progress but
// must never by themselves flip watched (spec §4.8).
func isTransition(incoming State) bool {
	return incoming.Progress != nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func unionGUIDs(a, b GUIDs, aUpdated, bUpdated int64, logger *slog.Logger) GUIDs {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(GUIDs, len(a)+len(b))
	for source, value := range a {
		out[source] = value
	}
	for source, value := range b {
		if existingValue, ok := out[source]; ok && existingValue != value {
			if logger != nil {
				logger.Info("guid conflict on merge, keeping newer side",
					"source", source, "existing", existingValue, "incoming", value)
			}
			if bUpdated >= aUpdated {
				out[source] = value
			}
			continue
		}
		out[source] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// unionVirtualGUIDs merges two backend-keyed virtual GUID maps. Each key is
// a backend name, so two different backends never collide; if the same
// backend reports a different remote id than it did before (it re-keyed
// its own library), the incoming report wins, matching how Metadata/Extra
// are replaced wholesale for the contributing backend above.
func unionVirtualGUIDs(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for name, remoteID := range a {
		out[name] = remoteID
	}
	for name, remoteID := range b {
		out[name] = remoteID
	}
	return out
}

func cloneMetadata(m map[string]BackendMetadata) map[string]BackendMetadata {
	out := make(map[string]BackendMetadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneExtra(m map[string]ExtraEvent) map[string]ExtraEvent {
	out := make(map[string]ExtraEvent, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
