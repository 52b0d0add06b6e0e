package webhook_test

import (
	"context"

	"github.com/watchstate/syncengine/adapter"
	"github.com/watchstate/syncengine/entity"
	"github.com/watchstate/syncengine/queue"
)

// fakeAdapter is a minimal adapter.Adapter stand-in letting tests script
// exactly what ParseWebhook/InspectRequest return without a real backend.
type fakeAdapter struct {
	name string

	inspect   adapter.Result[adapter.AnnotatedRequest]
	parse     adapter.Result[entity.State]
	pushed    []entity.State
	progCalls []entity.State
}

func (f *fakeAdapter) Name() string                                    { return f.name }
func (f *fakeAdapter) WithContext(ctx adapter.Context) adapter.Adapter  { return f }
func (f *fakeAdapter) ListLibraries(ctx context.Context) adapter.Result[[]adapter.Library] {
	return adapter.Ok([]adapter.Library(nil))
}
func (f *fakeAdapter) GetLibraryPage(ctx context.Context, opts adapter.PageOptions) adapter.Result[adapter.Page] {
	return adapter.Ok(adapter.Page{})
}
func (f *fakeAdapter) GetMetadata(ctx context.Context, remoteID string) adapter.Result[adapter.RawItem] {
	return adapter.Fail[adapter.RawItem](adapter.LevelValidation, "not implemented", nil)
}
func (f *fakeAdapter) ParseWebhook(req adapter.WebhookRequest) adapter.Result[entity.State] {
	return f.parse
}
func (f *fakeAdapter) InspectRequest(req adapter.WebhookRequest) adapter.Result[adapter.AnnotatedRequest] {
	return f.inspect
}
func (f *fakeAdapter) Push(ctx context.Context, states []entity.State, q *queue.Queue) adapter.Result[struct{}] {
	f.pushed = append(f.pushed, states...)
	return adapter.Ok(struct{}{})
}
func (f *fakeAdapter) Progress(ctx context.Context, states []entity.State, q *queue.Queue) adapter.Result[struct{}] {
	f.progCalls = append(f.progCalls, states...)
	return adapter.Ok(struct{}{})
}
func (f *fakeAdapter) Search(ctx context.Context, query string, limit int) adapter.Result[[]adapter.RawItem] {
	return adapter.Ok([]adapter.RawItem(nil))
}
func (f *fakeAdapter) SearchByGUID(ctx context.Context, guids entity.GUIDs) adapter.Result[[]adapter.RawItem] {
	return adapter.Ok([]adapter.RawItem(nil))
}
func (f *fakeAdapter) GetIdentifier(ctx context.Context, forceRefresh bool) adapter.Result[string] {
	return adapter.Ok(f.name + "-uuid")
}
func (f *fakeAdapter) ListUsers(ctx context.Context) adapter.Result[[]adapter.User] {
	return adapter.Ok([]adapter.User(nil))
}
func (f *fakeAdapter) GetVersion(ctx context.Context) adapter.Result[adapter.Semver] {
	return adapter.Ok(adapter.Semver{Major: 1})
}
