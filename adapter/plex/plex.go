// Package plex implements the Backend Adapter interface for Plex Media
// Server. Request/header shaping follows backend.ServerClient's pattern
// (see adapter/jellyfin); GUID extraction and webhook parsing are Plex's
// own, grounded on the "Guid[]" array shape and multipart webhook payload
// described in spec §4.2/§4.8.
package plex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/watchstate/syncengine/adapter"
	"github.com/watchstate/syncengine/entity"
	"github.com/watchstate/syncengine/queue"
)

// Adapter talks to one Plex Media Server.
type Adapter struct {
	ctx adapter.Context
}

// New creates a Plex adapter bound to ctx.
func New(ctx adapter.Context) *Adapter {
	return &Adapter{ctx: ctx}
}

func (a *Adapter) Name() string { return "plex" }

func (a *Adapter) WithContext(ctx adapter.Context) adapter.Adapter {
	return &Adapter{ctx: ctx}
}

func (a *Adapter) client() *http.Client {
	if a.ctx.HTTPClient != nil {
		return a.ctx.HTTPClient
	}
	return adapter.DefaultHTTPClient()
}

func (a *Adapter) newRequest(ctx context.Context, method, path string, query url.Values) (*http.Request, error) {
	u := strings.TrimRight(a.ctx.BaseURL, "/") + path
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if a.ctx.Token != "" {
		q.Set("X-Plex-Token", a.ctx.Token)
	}
	u += "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (a *Adapter) doJSON(ctx context.Context, method, path string, query url.Values) ([]byte, int, error) {
	req, err := a.newRequest(ctx, method, path, query)
	if err != nil {
		return nil, 0, err
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("plex: request to %s failed: %w", a.ctx.Backend, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

// plexContainer is the envelope every Plex JSON endpoint wraps its payload
// in ("MediaContainer").
type plexContainer struct {
	MediaContainer struct {
		Size      int          `json:"size"`
		Directory []plexDir    `json:"Directory"`
		Metadata  []plexItem   `json:"Metadata"`
		Account   []plexUser   `json:"Account"`
		Version   string       `json:"version"`
		MachineID string       `json:"machineIdentifier"`
	} `json:"MediaContainer"`
}

type plexDir struct {
	Key  string `json:"key"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type plexGUID struct {
	ID string `json:"id"`
}

type plexItem struct {
	RatingKey      string     `json:"ratingKey"`
	GrandparentKey string     `json:"grandparentRatingKey"`
	Title          string     `json:"title"`
	Type           string     `json:"type"` // "movie" | "episode"
	Year           int        `json:"year"`
	ParentIndex    int        `json:"parentIndex"`
	Index          int        `json:"index"`
	AddedAt        int64      `json:"addedAt"`
	LastViewedAt   int64      `json:"lastViewedAt"`
	ViewOffset     int64      `json:"viewOffset"` // ms
	ViewCount      int        `json:"viewCount"`
	Media          []struct {
		Part []struct {
			File string `json:"file"`
		} `json:"Part"`
	} `json:"Media"`
	GUID []plexGUID `json:"Guid"`
}

type plexUser struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
}

// ListLibraries lists Plex's top-level library sections.
func (a *Adapter) ListLibraries(ctx context.Context) adapter.Result[[]adapter.Library] {
	raw, status, err := a.doJSON(ctx, http.MethodGet, "/library/sections", nil)
	if err != nil {
		return adapter.Fail[[]adapter.Library](adapter.LevelTransient, "plex: list libraries", err)
	}
	if err := classifyStatus(status); err != nil {
		return adapter.Fail[[]adapter.Library](levelForStatus(status), "plex: list libraries", err)
	}
	var c plexContainer
	if err := json.Unmarshal(raw, &c); err != nil {
		return adapter.Fail[[]adapter.Library](adapter.LevelValidation, "plex: decode libraries", err)
	}
	out := make([]adapter.Library, 0, len(c.MediaContainer.Directory))
	for _, d := range c.MediaContainer.Directory {
		out = append(out, adapter.Library{
			ID:          d.Key,
			Name:        d.Title,
			Type:        d.Type,
			IsSupported: d.Type == "movie" || d.Type == "show",
		})
	}
	return adapter.Ok(out)
}

// GetLibraryPage fetches one segment of a library section's "all" view.
// Plex does not offer a streamed array response (the whole MediaContainer
// arrives as one JSON object), so this buffers one page — bounded by
// Limit — rather than the whole library at once, which keeps peak memory
// proportional to the configured segment size (spec §4.3 step 5).
func (a *Adapter) GetLibraryPage(ctx context.Context, opts adapter.PageOptions) adapter.Result[adapter.Page] {
	q := url.Values{}
	q.Set("type", "1") // movies only; episodes of a show section are not listed by this call
	if opts.Limit > 0 {
		q.Set("X-Plex-Container-Start", strconv.Itoa(opts.StartIndex))
		q.Set("X-Plex-Container-Size", strconv.Itoa(opts.Limit))
	}

	raw, status, err := a.doJSON(ctx, http.MethodGet, fmt.Sprintf("/library/sections/%s/all", opts.LibraryID), q)
	if err != nil {
		return adapter.Fail[adapter.Page](adapter.LevelTransient, "plex: page request", err)
	}
	if err := classifyStatus(status); err != nil {
		return adapter.Fail[adapter.Page](levelForStatus(status), "plex: page request", err)
	}
	var c plexContainer
	if err := json.Unmarshal(raw, &c); err != nil {
		return adapter.Fail[adapter.Page](adapter.LevelValidation, "plex: decode page", err)
	}

	items := make([]adapter.RawItem, 0, len(c.MediaContainer.Metadata))
	for _, m := range c.MediaContainer.Metadata {
		raw := toRawItem(m)
		if opts.After != nil && raw.AddedAt != 0 && raw.AddedAt < opts.After.Unix() {
			continue
		}
		items = append(items, raw)
	}
	return adapter.Ok(adapter.Page{Items: items, TotalRecordCount: c.MediaContainer.Size})
}

func toRawItem(m plexItem) adapter.RawItem {
	kind := entity.KindMovie
	if m.Type == "episode" {
		kind = entity.KindEpisode
	}
	path := ""
	if len(m.Media) > 0 && len(m.Media[0].Part) > 0 {
		path = m.Media[0].Part[0].File
	}
	return adapter.RawItem{
		RemoteID:     m.RatingKey,
		Type:         kind,
		Title:        m.Title,
		Year:         m.Year,
		Season:       m.ParentIndex,
		Episode:      m.Index,
		GUIDs:        guidArrayToGUIDs(m.GUID),
		Path:         path,
		AddedAt:      m.AddedAt,
		LastPlayedAt: m.LastViewedAt,
		Watched:      m.ViewCount > 0,
		ProgressMS:   m.ViewOffset,
	}
}

// guidArrayToGUIDs converts Plex's Guid[] array of "source://id" strings
// (e.g. "imdb://tt1160419", "tmdb://550") into this engine's GUIDs map.
// Entries that aren't in the "source://id" shape are skipped — Plex also
// emits an opaque "plex://..." self-reference which carries no external
// identity.
func guidArrayToGUIDs(guids []plexGUID) entity.GUIDs {
	if len(guids) == 0 {
		return nil
	}
	out := entity.GUIDs{}
	for _, g := range guids {
		source, value, ok := strings.Cut(g.ID, "://")
		if !ok || value == "" {
			continue
		}
		if source == "plex" {
			continue
		}
		out[strings.ToLower(source)] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// GetMetadata fetches a single item by its Plex ratingKey.
func (a *Adapter) GetMetadata(ctx context.Context, remoteID string) adapter.Result[adapter.RawItem] {
	raw, status, err := a.doJSON(ctx, http.MethodGet, fmt.Sprintf("/library/metadata/%s", remoteID), nil)
	if err != nil {
		return adapter.Fail[adapter.RawItem](adapter.LevelTransient, "plex: get metadata", err)
	}
	if err := classifyStatus(status); err != nil {
		return adapter.Fail[adapter.RawItem](levelForStatus(status), "plex: get metadata", err)
	}
	var c plexContainer
	if err := json.Unmarshal(raw, &c); err != nil {
		return adapter.Fail[adapter.RawItem](adapter.LevelValidation, "plex: decode metadata", err)
	}
	if len(c.MediaContainer.Metadata) == 0 {
		return adapter.Fail[adapter.RawItem](adapter.LevelValidation, "plex: metadata not found", nil)
	}
	return adapter.Ok(toRawItem(c.MediaContainer.Metadata[0]))
}

// Search looks up items by free-text query across the whole server.
func (a *Adapter) Search(ctx context.Context, query string, limit int) adapter.Result[[]adapter.RawItem] {
	q := url.Values{}
	q.Set("query", query)
	q.Set("limit", strconv.Itoa(limit))
	return a.searchQuery(ctx, "/search", q)
}

// SearchByGUID matches items by external id. Plex has no server-side
// "has external id" filter, so this fetches candidates from /library/all
// and filters client-side on the decoded Guid[] array.
func (a *Adapter) SearchByGUID(ctx context.Context, guids entity.GUIDs) adapter.Result[[]adapter.RawItem] {
	q := url.Values{}
	q.Set("X-Plex-Container-Size", "100")
	res := a.searchQuery(ctx, "/library/all", q)
	if !res.OK {
		return res
	}
	var matched []adapter.RawItem
	for _, item := range res.Value {
		for source, value := range guids {
			if item.GUIDs[source] == value {
				matched = append(matched, item)
				break
			}
		}
	}
	return adapter.Ok(matched)
}

func (a *Adapter) searchQuery(ctx context.Context, path string, q url.Values) adapter.Result[[]adapter.RawItem] {
	raw, status, err := a.doJSON(ctx, http.MethodGet, path, q)
	if err != nil {
		return adapter.Fail[[]adapter.RawItem](adapter.LevelTransient, "plex: search", err)
	}
	if err := classifyStatus(status); err != nil {
		return adapter.Fail[[]adapter.RawItem](levelForStatus(status), "plex: search", err)
	}
	var c plexContainer
	if err := json.Unmarshal(raw, &c); err != nil {
		return adapter.Fail[[]adapter.RawItem](adapter.LevelValidation, "plex: decode search", err)
	}
	out := make([]adapter.RawItem, 0, len(c.MediaContainer.Metadata))
	for _, m := range c.MediaContainer.Metadata {
		out = append(out, toRawItem(m))
	}
	return adapter.Ok(out)
}

// Push enqueues one scrobble/unscrobble call per state.
func (a *Adapter) Push(ctx context.Context, states []entity.State, q *queue.Queue) adapter.Result[struct{}] {
	for _, s := range states {
		meta, ok := s.Metadata[a.ctx.Backend]
		if !ok {
			continue
		}
		action := "unscrobble"
		if s.Watched {
			action = "scrobble"
		}
		query := url.Values{"key": {meta.ID}, "identifier": {"com.plexapp.plugins.library"}}
		if a.ctx.Token != "" {
			query.Set("X-Plex-Token", a.ctx.Token)
		}
		q.Submit(ctx, queue.Request{
			Method: http.MethodGet,
			URL:    strings.TrimRight(a.ctx.BaseURL, "/") + "/:/scrobble/" + action + "?" + query.Encode(),
			Tag:    a.ctx.Backend,
		})
	}
	return adapter.Ok(struct{}{})
}

// Progress reports play position via Plex's timeline endpoint. Plex carries
// no server-version gate for this call, unlike Jellyfin.
func (a *Adapter) Progress(ctx context.Context, states []entity.State, q *queue.Queue) adapter.Result[struct{}] {
	for _, s := range states {
		meta, ok := s.Metadata[a.ctx.Backend]
		if !ok || s.Progress == nil {
			continue
		}
		query := url.Values{
			"ratingKey": {meta.ID},
			"key":       {meta.ID},
			"time":      {strconv.FormatInt(*s.Progress, 10)},
			"state":     {"stopped"},
		}
		if a.ctx.Token != "" {
			query.Set("X-Plex-Token", a.ctx.Token)
		}
		q.Submit(ctx, queue.Request{
			Method: http.MethodGet,
			URL:    strings.TrimRight(a.ctx.BaseURL, "/") + "/:/timeline?" + query.Encode(),
			Tag:    a.ctx.Backend,
		})
	}
	return adapter.Ok(struct{}{})
}

// plexWebhookPayload is the JSON carried in a Plex webhook's "payload"
// multipart field (spec §4.8). Events: media.scrobble, media.play,
// media.pause, media.resume, media.stop.
type plexWebhookPayload struct {
	Event    string `json:"event"`
	User     bool   `json:"user"`
	Account  struct {
		Title string `json:"title"`
	} `json:"Account"`
	Server struct {
		UUID string `json:"uuid"`
	} `json:"Server"`
	Metadata plexItem `json:"Metadata"`
}

// taintedEvents are Plex events that report a play-state transition without
// the server having declared a scrobble, mirroring the Jellyfin adapter's
// taintedEvents table (spec §4.8).
var taintedEvents = map[string]bool{
	"media.play":   true,
	"media.pause":  true,
	"media.resume": true,
	"media.stop":   true,
}

// decodeMultipart extracts the JSON "payload" field Plex posts as
// multipart/form-data; a bare JSON body (e.g. from tests) is accepted
// as-is for convenience.
func decodeMultipart(contentType string, body []byte) ([]byte, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return body, nil
	}
	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("plex: webhook multipart body has no payload field")
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == "payload" {
			return io.ReadAll(part)
		}
	}
}

// ParseWebhook converts an inbound Plex webhook into a canonical State.
func (a *Adapter) ParseWebhook(req adapter.WebhookRequest) adapter.Result[entity.State] {
	payloadJSON, err := decodeMultipart(req.ContentType, req.Body)
	if err != nil {
		return adapter.Fail[entity.State](adapter.LevelValidation, "plex: decode webhook multipart", err)
	}
	var payload plexWebhookPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return adapter.Fail[entity.State](adapter.LevelValidation, "plex: decode webhook payload", err)
	}
	if payload.Metadata.RatingKey == "" {
		return adapter.Fail[entity.State](adapter.LevelValidation, "plex: webhook missing ratingKey", nil)
	}

	item := toRawItem(payload.Metadata)
	watched := payload.Event == "media.scrobble"
	tainted := taintedEvents[payload.Event]

	s, err := entity.New(entity.NewStateInput{
		Type:       item.Type,
		Backend:    a.ctx.Backend,
		Title:      item.Title,
		Year:       item.Year,
		Season:     item.Season,
		Episode:    item.Episode,
		GUIDs:      item.GUIDs,
		RemoteID:   item.RemoteID,
		Watched:    watched,
		ProgressMS: item.ProgressMS,
		Updated:    time.Now().Unix(),
		Tainted:    tainted,
		Event:      payload.Event,
		EventDate:  time.Now().Unix(),
	}, a.ctx.Logger)
	if err != nil {
		return adapter.Fail[entity.State](adapter.LevelValidation, "plex: build state from webhook", err)
	}
	return adapter.Ok(s)
}

// InspectRequest extracts the user/backend identity from a Plex webhook.
func (a *Adapter) InspectRequest(req adapter.WebhookRequest) adapter.Result[adapter.AnnotatedRequest] {
	payloadJSON, err := decodeMultipart(req.ContentType, req.Body)
	if err != nil {
		return adapter.Fail[adapter.AnnotatedRequest](adapter.LevelValidation, "plex: inspect webhook", err)
	}
	var payload plexWebhookPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return adapter.Fail[adapter.AnnotatedRequest](adapter.LevelValidation, "plex: decode webhook payload", err)
	}
	return adapter.Ok(adapter.AnnotatedRequest{UserID: payload.Account.Title, BackendID: payload.Server.UUID})
}

// GetIdentifier returns the server's machine identifier.
func (a *Adapter) GetIdentifier(ctx context.Context, forceRefresh bool) adapter.Result[string] {
	if !forceRefresh && a.ctx.Cache != nil {
		if item := a.ctx.Cache.Get("backend_id:" + a.ctx.Backend); item != nil {
			return adapter.Ok(string(item.Value()))
		}
	}
	raw, status, err := a.doJSON(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return adapter.Fail[string](adapter.LevelTransient, "plex: get identifier", err)
	}
	if err := classifyStatus(status); err != nil {
		return adapter.Fail[string](levelForStatus(status), "plex: get identifier", err)
	}
	var c plexContainer
	if err := json.Unmarshal(raw, &c); err != nil {
		return adapter.Fail[string](adapter.LevelValidation, "plex: decode identifier", err)
	}
	if a.ctx.Cache != nil {
		a.ctx.Cache.Set("backend_id:"+a.ctx.Backend, []byte(c.MediaContainer.MachineID), 0)
	}
	return adapter.Ok(c.MediaContainer.MachineID)
}

// ListUsers lists the Plex home/managed users visible to this token's
// account (the "shared users" endpoint lives on plex.tv, not the server
// itself, but the server's local Account list covers the common case of a
// single-user or managed-user setup this engine targets).
func (a *Adapter) ListUsers(ctx context.Context) adapter.Result[[]adapter.User] {
	raw, status, err := a.doJSON(ctx, http.MethodGet, "/accounts", nil)
	if err != nil {
		return adapter.Fail[[]adapter.User](adapter.LevelTransient, "plex: list users", err)
	}
	if err := classifyStatus(status); err != nil {
		return adapter.Fail[[]adapter.User](levelForStatus(status), "plex: list users", err)
	}
	var c plexContainer
	if err := json.Unmarshal(raw, &c); err != nil {
		return adapter.Fail[[]adapter.User](adapter.LevelValidation, "plex: decode users", err)
	}
	out := make([]adapter.User, 0, len(c.MediaContainer.Account))
	for _, u := range c.MediaContainer.Account {
		out = append(out, adapter.User{ID: strconv.Itoa(u.ID), Name: u.Name})
	}
	return adapter.Ok(out)
}

// GetVersion parses the server's reported version into a Semver.
func (a *Adapter) GetVersion(ctx context.Context) adapter.Result[adapter.Semver] {
	raw, status, err := a.doJSON(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return adapter.Fail[adapter.Semver](adapter.LevelTransient, "plex: get version", err)
	}
	if err := classifyStatus(status); err != nil {
		return adapter.Fail[adapter.Semver](levelForStatus(status), "plex: get version", err)
	}
	var c plexContainer
	if err := json.Unmarshal(raw, &c); err != nil {
		return adapter.Fail[adapter.Semver](adapter.LevelValidation, "plex: decode version", err)
	}
	// Plex versions look like "1.32.5.7349-...": keep the first three parts.
	version := strings.SplitN(c.MediaContainer.Version, "-", 2)[0]
	return adapter.Ok(parseSemver(version))
}

func parseSemver(s string) adapter.Semver {
	parts := strings.Split(s, ".")
	get := func(i int) int {
		if i >= len(parts) {
			return 0
		}
		n, _ := strconv.Atoi(parts[i])
		return n
	}
	return adapter.Semver{Major: get(0), Minor: get(1), Patch: get(2)}
}

func classifyStatus(status int) error {
	switch {
	case status == 0 || (status >= 200 && status < 300):
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("auth failed: status %d", status)
	default:
		return fmt.Errorf("unexpected status %d", status)
	}
}

func levelForStatus(status int) adapter.ErrLevel {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return adapter.LevelAuth
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return adapter.LevelTransient
	}
	return adapter.LevelValidation
}
