package jellyfin

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/watchstate/syncengine/adapter"
)

// streamItems token-walks a Jellyfin /Items response looking for the
// top-level "Items" array and decodes it element by element instead of
// buffering the whole body, per spec §4.3 step 6 ("streamed-parsed... locate
// the items array, yield items one by one"). Malformed entries are skipped
// rather than aborting the whole page, since one bad record in a library of
// thousands shouldn't fail the run.
func streamItems(r io.Reader, after *time.Time) ([]adapter.RawItem, int, error) {
	dec := json.NewDecoder(r)

	// Consume the opening '{' of the response object.
	if _, err := dec.Token(); err != nil {
		return nil, 0, fmt.Errorf("jellyfin: read opening token: %w", err)
	}

	var items []adapter.RawItem
	total := 0

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, 0, fmt.Errorf("jellyfin: read object key: %w", err)
		}
		key, _ := keyTok.(string)

		switch key {
		case "Items":
			items, err = decodeItemsArray(dec, after)
			if err != nil {
				return nil, 0, err
			}
		case "TotalRecordCount":
			var n float64
			if err := dec.Decode(&n); err != nil {
				return nil, 0, fmt.Errorf("jellyfin: decode TotalRecordCount: %w", err)
			}
			total = int(n)
		default:
			// Skip this field's value wholesale; we only care about Items
			// and TotalRecordCount at this level.
			var discard json.RawMessage
			if err := dec.Decode(&discard); err != nil {
				return nil, 0, fmt.Errorf("jellyfin: skip field %q: %w", key, err)
			}
		}
	}

	return items, total, nil
}

// decodeItemsArray expects dec to be positioned right before the Items
// array's opening bracket, and yields one RawItem per element, skipping
// (and not aborting on) individually malformed entries.
func decodeItemsArray(dec *json.Decoder, after *time.Time) ([]adapter.RawItem, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("jellyfin: read Items array start: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("jellyfin: Items is not an array")
	}

	var out []adapter.RawItem
	for dec.More() {
		var entry json.RawMessage
		if err := dec.Decode(&entry); err != nil {
			// The array itself is unreadable past this point.
			return out, fmt.Errorf("jellyfin: decode item: %w", err)
		}
		var it jellyfinItem
		if err := json.Unmarshal(entry, &it); err != nil {
			// Malformed entry: skip it and keep reading the array.
			continue
		}
		raw := toRawItem(it)
		if after != nil && raw.AddedAt != 0 && raw.AddedAt < after.Unix() {
			continue
		}
		out = append(out, raw)
	}

	if _, err := dec.Token(); err != nil {
		return out, fmt.Errorf("jellyfin: read Items array end: %w", err)
	}
	return out, nil
}
