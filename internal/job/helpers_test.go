package job

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/whale-analyst/internal/gather"
	"github.com/sells-group/whale-analyst/internal/model"
	"github.com/sells-group/whale-analyst/internal/provider"
)

func validInput() model.TransactionInput {
	return model.TransactionInput{
		TxHash:      "0xAbC123",
		Chain:       "ethereum",
		Asset:       "ETH",
		Amount:      5000,
		FromAddress: "0x1111111111111111111111111111111111111111",
		ToAddress:   "0x2222222222222222222222222222222222222222",
	}
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingScheduler) Dispatch(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, jobID)
}

func (s *recordingScheduler) dispatched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type fakeGatherer struct {
	notes []gather.Note
	panic any
}

func (g *fakeGatherer) Gather(_ context.Context, in model.TransactionInput) (*gather.Context, []gather.Note) {
	if g.panic != nil {
		panic(g.panic)
	}
	return &gather.Context{Input: in, AmountUSD: 12_500_000}, g.notes
}

type fakeInvoker struct {
	text   string
	err    error
	routes []provider.Route
}

func (f *fakeInvoker) Invoke(_ context.Context, routes []provider.Route, _ provider.Prompt) (*provider.Outcome, error) {
	f.routes = routes
	if f.err != nil {
		return nil, f.err
	}
	route := routes[0]
	return &provider.Outcome{
		Response: &provider.Response{
			Text:         f.text,
			Model:        route.Model,
			InputTokens:  1200,
			OutputTokens: 300,
			Duration:     40 * time.Millisecond,
		},
		Route: route,
		Attempts: []model.AttemptSummary{
			{Provider: route.Provider, Model: route.Model, DurationMs: 40},
		},
	}, nil
}
