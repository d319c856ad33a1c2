package enrich

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/websets/internal/model"
	"github.com/sells-group/websets/internal/provider"
)

type mockGateway struct{ mock.Mock }

func (m *mockGateway) Select(kind model.ProviderKind, id string) (model.Provider, error) {
	args := m.Called(kind, id)
	p, _ := args.Get(0).(model.Provider)
	return p, args.Error(1)
}

func (m *mockGateway) Invoke(ctx context.Context, p model.Provider, req provider.Request) (*provider.Response, error) {
	args := m.Called(ctx, p, req)
	resp, _ := args.Get(0).(*provider.Response)
	return resp, args.Error(1)
}

type mockPermits struct{ mock.Mock }

func (m *mockPermits) TryAcquire(ctx context.Context, scope model.RateLimitScope, userID, endpoint string) (bool, error) {
	args := m.Called(ctx, scope, userID, endpoint)
	return args.Bool(0), args.Error(1)
}
