// Package jellyfin implements the Backend Adapter interface for Jellyfin
// servers (spec §4.2). It is grounded on the teacher's backend.ServerClient
// request-building style (header injection, path/query construction) and
// on api/handler/watch_sync.go's ProviderIds-based cross-backend matching.
package jellyfin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/watchstate/syncengine/adapter"
	"github.com/watchstate/syncengine/entity"
	"github.com/watchstate/syncengine/queue"
)

// Adapter talks to one Jellyfin (or Emby-compatible, see adapter/emby)
// server. Name defaults to "jellyfin"; the emby package embeds this type
// and overrides Name/WithContext. Progress applies its version gate only
// when the adapter's name is "jellyfin".
type Adapter struct {
	ctx      adapter.Context
	name     string
	authHdr  string // "X-Emby-Token" for Jellyfin, "X-Emby-Token" also works for Emby
}

// New creates a Jellyfin adapter bound to ctx.
func New(ctx adapter.Context) *Adapter {
	return &Adapter{ctx: ctx, name: "jellyfin", authHdr: "X-Emby-Token"}
}

// NewNamed creates an Adapter identifying itself as name and authenticating
// with the given header, so the Emby adapter (API-compatible but without
// Jellyfin's progress-endpoint version gate) can reuse this implementation
// wholesale instead of re-deriving it.
func NewNamed(name, authHeader string, ctx adapter.Context) *Adapter {
	return &Adapter{ctx: ctx, name: name, authHdr: authHeader}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) WithContext(ctx adapter.Context) adapter.Adapter {
	return &Adapter{ctx: ctx, name: a.name, authHdr: a.authHdr}
}

func (a *Adapter) client() *http.Client {
	if a.ctx.HTTPClient != nil {
		return a.ctx.HTTPClient
	}
	return adapter.DefaultHTTPClient()
}

func (a *Adapter) newRequest(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Request, error) {
	u := strings.TrimRight(a.ctx.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	if a.ctx.Token != "" {
		req.Header.Set(a.authHdr, a.ctx.Token)
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (a *Adapter) doJSON(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, int, error) {
	req, err := a.newRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, 0, err
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: request to %s failed: %w", a.name, a.ctx.Backend, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

// ListLibraries lists the server's virtual folders and classifies each by
// CollectionType into the admitted set spec §4.3 step 2 names.
func (a *Adapter) ListLibraries(ctx context.Context) adapter.Result[[]adapter.Library] {
	raw, status, err := a.doJSON(ctx, http.MethodGet, "/Library/VirtualFolders", nil, nil)
	if err != nil {
		return adapter.Fail[[]adapter.Library](adapter.LevelTransient, "jellyfin: list libraries", err)
	}
	if err := classifyStatus(status); err != nil {
		return adapter.Fail[[]adapter.Library](levelForStatus(status), "jellyfin: list libraries", err)
	}

	var folders []struct {
		ItemID         string `json:"ItemId"`
		Name           string `json:"Name"`
		CollectionType string `json:"CollectionType"`
	}
	if err := json.Unmarshal(raw, &folders); err != nil {
		return adapter.Fail[[]adapter.Library](adapter.LevelValidation, "jellyfin: decode libraries", err)
	}

	out := make([]adapter.Library, 0, len(folders))
	for _, f := range folders {
		out = append(out, adapter.Library{
			ID:          f.ItemID,
			Name:        f.Name,
			Type:        f.CollectionType,
			IsSupported: f.CollectionType == "movies" || f.CollectionType == "tvshows",
		})
	}
	return adapter.Ok(out)
}

// jellyfinItem is the subset of Jellyfin's /Items response this adapter
// extracts; unknown fields are ignored by encoding/json.
type jellyfinItem struct {
	ID             string            `json:"Id"`
	Name           string            `json:"Name"`
	Type           string            `json:"Type"`
	SeriesID       string            `json:"SeriesId"`
	ParentIndexNum int               `json:"ParentIndexNumber"`
	IndexNumber    int               `json:"IndexNumber"`
	IndexNumberEnd int               `json:"IndexNumberEnd"`
	ProductionYear int               `json:"ProductionYear"`
	Path           string            `json:"Path"`
	DateCreated    string            `json:"DateCreated"`
	ProviderIds    map[string]string `json:"ProviderIds"`
	UserData       struct {
		Played         bool    `json:"Played"`
		LastPlayedDate string  `json:"LastPlayedDate"`
		PlaybackTicks  int64   `json:"PlaybackPositionTicks"`
	} `json:"UserData"`
}

// GetLibraryPage issues one segmented GET (spec §4.3 step 5) and
// stream-parses the /Items array (step 6), converting each entry to a
// RawItem. IndexNumberEnd is carried on the RawItem; the orchestrator's
// import pipeline expands the range (step 7).
func (a *Adapter) GetLibraryPage(ctx context.Context, opts adapter.PageOptions) adapter.Result[adapter.Page] {
	q := url.Values{}
	q.Set("ParentId", opts.LibraryID)
	q.Set("Recursive", "true")
	q.Set("IncludeItemTypes", "Movie,Episode")
	q.Set("Fields", "ProviderIds,Path,DateCreated")
	q.Set("StartIndex", strconv.Itoa(opts.StartIndex))
	q.Set("Limit", strconv.Itoa(opts.Limit))

	req, err := a.newRequest(ctx, http.MethodGet, fmt.Sprintf("/Users/%s/Items", a.ctx.UserID), q, nil)
	if err != nil {
		return adapter.Fail[adapter.Page](adapter.LevelTransient, "jellyfin: build page request", err)
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return adapter.Fail[adapter.Page](adapter.LevelTransient, "jellyfin: page request", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return adapter.Fail[adapter.Page](levelForStatus(resp.StatusCode), "jellyfin: page request", err)
	}

	items, total, err := streamItems(resp.Body, opts.After)
	if err != nil {
		return adapter.Fail[adapter.Page](adapter.LevelValidation, "jellyfin: stream items", err)
	}
	return adapter.Ok(adapter.Page{Items: items, TotalRecordCount: total})
}

func toRawItem(it jellyfinItem) adapter.RawItem {
	kind := entity.KindMovie
	if it.Type == "Episode" {
		kind = entity.KindEpisode
	}
	guids := providerIDsToGUIDs(it.ProviderIds)
	addedAt := parseJellyfinTime(it.DateCreated)
	lastPlayed := parseJellyfinTime(it.UserData.LastPlayedDate)

	return adapter.RawItem{
		RemoteID:       it.ID,
		Type:           kind,
		Title:          it.Name,
		Year:           it.ProductionYear,
		Season:         it.ParentIndexNum,
		Episode:        it.IndexNumber,
		IndexNumberEnd: it.IndexNumberEnd,
		GUIDs:          guids,
		Path:           it.Path,
		AddedAt:        addedAt,
		LastPlayedAt:   lastPlayed,
		Watched:        it.UserData.Played,
		ProgressMS:     it.UserData.PlaybackTicks / 10000, // Jellyfin ticks are 100ns units
	}
}

// providerIDsToGUIDs lowercases Jellyfin's ProviderIds keys ("Imdb", "Tvdb",
// ...) into this engine's GUID source alphabet.
func providerIDsToGUIDs(providerIDs map[string]string) entity.GUIDs {
	if len(providerIDs) == 0 {
		return nil
	}
	out := make(entity.GUIDs, len(providerIDs))
	for k, v := range providerIDs {
		out[strings.ToLower(k)] = v
	}
	return out
}

func parseJellyfinTime(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// GetMetadata fetches a single item by its backend-local id.
func (a *Adapter) GetMetadata(ctx context.Context, remoteID string) adapter.Result[adapter.RawItem] {
	raw, status, err := a.doJSON(ctx, http.MethodGet, fmt.Sprintf("/Users/%s/Items/%s", a.ctx.UserID, remoteID), nil, nil)
	if err != nil {
		return adapter.Fail[adapter.RawItem](adapter.LevelTransient, "jellyfin: get metadata", err)
	}
	if err := classifyStatus(status); err != nil {
		return adapter.Fail[adapter.RawItem](levelForStatus(status), "jellyfin: get metadata", err)
	}
	var it jellyfinItem
	if err := json.Unmarshal(raw, &it); err != nil {
		return adapter.Fail[adapter.RawItem](adapter.LevelValidation, "jellyfin: decode metadata", err)
	}
	return adapter.Ok(toRawItem(it))
}

// Search looks up items by free-text query.
func (a *Adapter) Search(ctx context.Context, query string, limit int) adapter.Result[[]adapter.RawItem] {
	q := url.Values{}
	q.Set("SearchTerm", query)
	q.Set("Recursive", "true")
	q.Set("IncludeItemTypes", "Movie,Episode")
	q.Set("Fields", "ProviderIds,Path,DateCreated")
	q.Set("Limit", strconv.Itoa(limit))
	return a.searchQuery(ctx, q)
}

// SearchByGUID looks up items by external id, the cross-backend matching
// strategy generalized from api/handler/watch_sync.go's HasTmdbId/HasImdbId
// query parameters.
func (a *Adapter) SearchByGUID(ctx context.Context, guids entity.GUIDs) adapter.Result[[]adapter.RawItem] {
	q := url.Values{}
	q.Set("Recursive", "true")
	q.Set("IncludeItemTypes", "Movie,Episode")
	q.Set("Fields", "ProviderIds,Path,DateCreated")
	q.Set("Limit", "50")

	if v, ok := guids["tmdb"]; ok && v != "" {
		q.Set("HasTmdbId", "true")
		return a.filterSearchResult(ctx, q, "tmdb", v)
	}
	if v, ok := guids["imdb"]; ok && v != "" {
		q.Set("HasImdbId", "true")
		return a.filterSearchResult(ctx, q, "imdb", v)
	}
	if v, ok := guids["tvdb"]; ok && v != "" {
		q.Set("HasTvdbId", "true")
		return a.filterSearchResult(ctx, q, "tvdb", v)
	}
	return adapter.Ok([]adapter.RawItem(nil))
}

func (a *Adapter) filterSearchResult(ctx context.Context, q url.Values, source, value string) adapter.Result[[]adapter.RawItem] {
	res := a.searchQuery(ctx, q)
	if !res.OK {
		return res
	}
	var matched []adapter.RawItem
	for _, item := range res.Value {
		if item.GUIDs[source] == value {
			matched = append(matched, item)
		}
	}
	return adapter.Ok(matched)
}

func (a *Adapter) searchQuery(ctx context.Context, q url.Values) adapter.Result[[]adapter.RawItem] {
	raw, status, err := a.doJSON(ctx, http.MethodGet, fmt.Sprintf("/Users/%s/Items", a.ctx.UserID), q, nil)
	if err != nil {
		return adapter.Fail[[]adapter.RawItem](adapter.LevelTransient, "jellyfin: search", err)
	}
	if err := classifyStatus(status); err != nil {
		return adapter.Fail[[]adapter.RawItem](levelForStatus(status), "jellyfin: search", err)
	}
	var resp struct {
		Items []jellyfinItem `json:"Items"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return adapter.Fail[[]adapter.RawItem](adapter.LevelValidation, "jellyfin: decode search", err)
	}
	out := make([]adapter.RawItem, 0, len(resp.Items))
	for _, it := range resp.Items {
		out = append(out, toRawItem(it))
	}
	return adapter.Ok(out)
}

// Push enqueues one request per state via the queue (POST to PlayedItems to
// mark watched, DELETE to mark unwatched), tagged
// with this backend's name so requests to it are serialized in submission
// order (spec §5).
func (a *Adapter) Push(ctx context.Context, states []entity.State, q *queue.Queue) adapter.Result[struct{}] {
	for _, s := range states {
		meta, ok := s.Metadata[a.ctx.Backend]
		if !ok {
			continue
		}
		method := http.MethodDelete
		if s.Watched {
			method = http.MethodPost
		}
		path := fmt.Sprintf("/Users/%s/PlayedItems/%s", a.ctx.UserID, meta.ID)
		q.Submit(ctx, queue.Request{
			Method:  method,
			URL:     strings.TrimRight(a.ctx.BaseURL, "/") + path,
			Headers: map[string]string{a.authHdr: a.ctx.Token},
			Tag:     a.ctx.Backend,
		})
	}
	return adapter.Ok(struct{}{})
}

// Progress POSTs play position for states carrying a non-nil Progress,
// gated on server version per spec §4.2 ("Progress endpoint requires
// server version >= 10.9 for Jellyfin").
func (a *Adapter) Progress(ctx context.Context, states []entity.State, q *queue.Queue) adapter.Result[struct{}] {
	ver := a.GetVersion(ctx)
	if ver.OK && a.name == "jellyfin" && !ver.Value.AtLeast(adapter.Semver{Major: 10, Minor: 9}) {
		return adapter.Fail[struct{}](adapter.LevelVersion, "jellyfin: server too old for progress sync", nil)
	}
	for _, s := range states {
		meta, ok := s.Metadata[a.ctx.Backend]
		if !ok || s.Progress == nil {
			continue
		}
		body, _ := json.Marshal(map[string]any{
			"PositionTicks": *s.Progress * 10000,
			"ItemId":        meta.ID,
		})
		q.Submit(ctx, queue.Request{
			Method:  http.MethodPost,
			URL:     strings.TrimRight(a.ctx.BaseURL, "/") + "/Sessions/Playing/Progress",
			Headers: map[string]string{a.authHdr: a.ctx.Token, "Content-Type": "application/json"},
			Body:    body,
			Tag:     a.ctx.Backend,
		})
	}
	return adapter.Ok(struct{}{})
}

// jellyfinWebhookPayload is the JSON body the Jellyfin/Emby webhook plugin
// posts. Provider ids arrive flattened as "Provider_imdb"/"Provider_tmdb"
// rather than nested, so ParseWebhook collects them with a prefix scan.
type jellyfinWebhookPayload struct {
	NotificationType      string `json:"NotificationType"`
	ItemID                string `json:"ItemId"`
	ItemType              string `json:"ItemType"`
	Name                  string `json:"Name"`
	Year                  int    `json:"Year"`
	SeasonNumber          int    `json:"SeasonNumber"`
	EpisodeNumber         int    `json:"EpisodeNumber"`
	UserID                string `json:"UserId"`
	ServerID              string `json:"ServerId"`
	PlaybackPositionTicks int64  `json:"PlaybackPositionTicks"`
}

// taintedEvents are the Jellyfin NotificationTypes that report a play-state
// transition without the server itself having declared watched/unwatched
// (spec §4.8 "Tainted events may update progress but must not by themselves
// flip watched").
var taintedEvents = map[string]bool{
	"PlaybackStart":    true,
	"PlaybackProgress": true,
	"PlaybackStop":     true,
}

func decodeWebhookPayload(body []byte) (jellyfinWebhookPayload, entity.GUIDs, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return jellyfinWebhookPayload{}, nil, err
	}

	var payload jellyfinWebhookPayload
	reencoded, _ := json.Marshal(raw)
	if err := json.Unmarshal(reencoded, &payload); err != nil {
		return jellyfinWebhookPayload{}, nil, err
	}

	guids := entity.GUIDs{}
	for k, v := range raw {
		if !strings.HasPrefix(k, "Provider_") {
			continue
		}
		source := strings.ToLower(strings.TrimPrefix(k, "Provider_"))
		if s, ok := v.(string); ok && s != "" {
			guids[source] = s
		}
	}
	return payload, guids, nil
}

// ParseWebhook converts an inbound Jellyfin/Emby webhook body into a
// canonical State. NotificationType "ItemAdded" and "UserDataSaved" carry an
// authoritative watched flag; playback events are tainted per spec §4.8.
func (a *Adapter) ParseWebhook(req adapter.WebhookRequest) adapter.Result[entity.State] {
	payload, guids, err := decodeWebhookPayload(req.Body)
	if err != nil {
		return adapter.Fail[entity.State](adapter.LevelValidation, "jellyfin: decode webhook payload", err)
	}
	if payload.ItemID == "" {
		return adapter.Fail[entity.State](adapter.LevelValidation, "jellyfin: webhook missing ItemId", nil)
	}

	kind := entity.KindMovie
	if payload.ItemType == "Episode" {
		kind = entity.KindEpisode
	}

	watched := payload.NotificationType == "ItemAdded" || payload.NotificationType == "UserDataSaved"
	tainted := taintedEvents[payload.NotificationType]

	var progressMS int64
	if payload.PlaybackPositionTicks > 0 {
		progressMS = payload.PlaybackPositionTicks / 10000
	}

	s, err := entity.New(entity.NewStateInput{
		Type:       kind,
		Backend:    a.ctx.Backend,
		Title:      payload.Name,
		Year:       payload.Year,
		Season:     payload.SeasonNumber,
		Episode:    payload.EpisodeNumber,
		GUIDs:      guids,
		RemoteID:   payload.ItemID,
		Watched:    watched,
		ProgressMS: progressMS,
		Updated:    time.Now().Unix(),
		Tainted:    tainted,
		Event:      payload.NotificationType,
		EventDate:  time.Now().Unix(),
	}, a.ctx.Logger)
	if err != nil {
		return adapter.Fail[entity.State](adapter.LevelValidation, "jellyfin: build state from webhook", err)
	}
	return adapter.Ok(s)
}

// InspectRequest extracts the user/backend identity from a webhook body
// without building a full State, used by the webhook listener to match the
// request against a configured backend before queuing it for drain (spec
// §4.8 step 2).
func (a *Adapter) InspectRequest(req adapter.WebhookRequest) adapter.Result[adapter.AnnotatedRequest] {
	payload, _, err := decodeWebhookPayload(req.Body)
	if err != nil {
		return adapter.Fail[adapter.AnnotatedRequest](adapter.LevelValidation, "jellyfin: inspect webhook", err)
	}
	return adapter.Ok(adapter.AnnotatedRequest{UserID: payload.UserID, BackendID: payload.ServerID})
}

// GetIdentifier returns the server's UUID from /System/Info/Public, caching
// it on ctx.Cache unless forceRefresh is set.
func (a *Adapter) GetIdentifier(ctx context.Context, forceRefresh bool) adapter.Result[string] {
	if !forceRefresh && a.ctx.Cache != nil {
		if item := a.ctx.Cache.Get("backend_id:" + a.ctx.Backend); item != nil {
			return adapter.Ok(string(item.Value()))
		}
	}
	raw, status, err := a.doJSON(ctx, http.MethodGet, "/System/Info/Public", nil, nil)
	if err != nil {
		return adapter.Fail[string](adapter.LevelTransient, "jellyfin: get identifier", err)
	}
	if err := classifyStatus(status); err != nil {
		return adapter.Fail[string](levelForStatus(status), "jellyfin: get identifier", err)
	}
	var info struct {
		ID string `json:"Id"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return adapter.Fail[string](adapter.LevelValidation, "jellyfin: decode identifier", err)
	}
	if a.ctx.Cache != nil {
		a.ctx.Cache.Set("backend_id:"+a.ctx.Backend, []byte(info.ID), 0)
	}
	return adapter.Ok(info.ID)
}

// ListUsers lists backend-local user accounts.
func (a *Adapter) ListUsers(ctx context.Context) adapter.Result[[]adapter.User] {
	raw, status, err := a.doJSON(ctx, http.MethodGet, "/Users", nil, nil)
	if err != nil {
		return adapter.Fail[[]adapter.User](adapter.LevelTransient, "jellyfin: list users", err)
	}
	if err := classifyStatus(status); err != nil {
		return adapter.Fail[[]adapter.User](levelForStatus(status), "jellyfin: list users", err)
	}
	var raws []struct {
		ID   string `json:"Id"`
		Name string `json:"Name"`
	}
	if err := json.Unmarshal(raw, &raws); err != nil {
		return adapter.Fail[[]adapter.User](adapter.LevelValidation, "jellyfin: decode users", err)
	}
	out := make([]adapter.User, 0, len(raws))
	for _, u := range raws {
		out = append(out, adapter.User{ID: u.ID, Name: u.Name})
	}
	return adapter.Ok(out)
}

// GetVersion parses the server's reported version into a Semver.
func (a *Adapter) GetVersion(ctx context.Context) adapter.Result[adapter.Semver] {
	raw, status, err := a.doJSON(ctx, http.MethodGet, "/System/Info/Public", nil, nil)
	if err != nil {
		return adapter.Fail[adapter.Semver](adapter.LevelTransient, "jellyfin: get version", err)
	}
	if err := classifyStatus(status); err != nil {
		return adapter.Fail[adapter.Semver](levelForStatus(status), "jellyfin: get version", err)
	}
	var info struct {
		Version string `json:"Version"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return adapter.Fail[adapter.Semver](adapter.LevelValidation, "jellyfin: decode version", err)
	}
	return adapter.Ok(parseSemver(info.Version))
}

func parseSemver(s string) adapter.Semver {
	parts := strings.SplitN(s, ".", 3)
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
