package directory

import (
	"context"

	"github.com/dkeye/Cowrite/internal/adapters/api"
	"github.com/dkeye/Cowrite/internal/app"
)

// Local talks to a Directory in the same process through the same dispatcher
// the network surfaces use.
type Local struct {
	client
}

type localCaller struct {
	h      *api.Handler
	client string
}

func NewLocal(dir *app.Directory) *Local {
	return &Local{client{rt: &localCaller{h: api.NewHandler(dir, nil), client: "local"}}}
}

func (l *localCaller) call(ctx context.Context, req api.Request) (api.Response, error) {
	if err := ctx.Err(); err != nil {
		return api.Response{}, err
	}
	resp, _ := l.h.Handle(l.client, req)
	return resp, nil
}
