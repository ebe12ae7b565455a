package botclient

import "context"

// BotAPI is the subset of Client the reconciler depends on, so tests can
// substitute a fake without standing up an HTTP server.
type BotAPI interface {
	Profit(ctx context.Context) (map[string]interface{}, error)
	Summary(ctx context.Context) (map[string]interface{}, error)
	Start(ctx context.Context) (map[string]interface{}, error)
	Stop(ctx context.Context) (map[string]interface{}, error)
}

var _ BotAPI = (*Client)(nil)

// MockBotAPI is a func-field fake mirroring the cluster package's
// MockFacade pattern.
type MockBotAPI struct {
	ProfitFunc  func(ctx context.Context) (map[string]interface{}, error)
	SummaryFunc func(ctx context.Context) (map[string]interface{}, error)
	StartFunc   func(ctx context.Context) (map[string]interface{}, error)
	StopFunc    func(ctx context.Context) (map[string]interface{}, error)
}

var _ BotAPI = (*MockBotAPI)(nil)

func (m *MockBotAPI) Profit(ctx context.Context) (map[string]interface{}, error) {
	if m.ProfitFunc != nil {
		return m.ProfitFunc(ctx)
	}
	return map[string]interface{}{}, nil
}

func (m *MockBotAPI) Summary(ctx context.Context) (map[string]interface{}, error) {
	if m.SummaryFunc != nil {
		return m.SummaryFunc(ctx)
	}
	return map[string]interface{}{}, nil
}

func (m *MockBotAPI) Start(ctx context.Context) (map[string]interface{}, error) {
	if m.StartFunc != nil {
		return m.StartFunc(ctx)
	}
	return map[string]interface{}{"status": "bot started"}, nil
}

func (m *MockBotAPI) Stop(ctx context.Context) (map[string]interface{}, error) {
	if m.StopFunc != nil {
		return m.StopFunc(ctx)
	}
	return map[string]interface{}{"status": "bot stopped"}, nil
}
