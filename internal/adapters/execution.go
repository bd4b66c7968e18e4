package adapters

import (
	"context"
	"net/http"
)

// ExecutionClient drives the order management collaborator. The emergency
// executor is its only caller in this process; regular order flow lives
// with the strategy services, not here.
type ExecutionClient struct {
	c *client
}

func NewExecutionClient(cfg ClientConfig) *ExecutionClient {
	if cfg.Name == "" {
		cfg.Name = "execution"
	}
	return &ExecutionClient{c: newClient(cfg)}
}

type closeRequest struct {
	Instruments []string `json:"instruments,omitempty"` // empty means everything
	Urgency     string   `json:"urgency"`
}

type flatResponse struct {
	Flat         bool `json:"flat"`
	OpenOrders   int  `json:"open_orders"`
	OpenLots     int  `json:"open_lots"`
	PendingExits int  `json:"pending_exits"`
}

func (e *ExecutionClient) CancelAllOrders(ctx context.Context) error {
	return e.c.doJSON(ctx, http.MethodPost, "/v1/orders/cancel_all", nil, nil)
}

func (e *ExecutionClient) ClosePositions(ctx context.Context, instruments []string) error {
	req := closeRequest{Instruments: instruments, Urgency: "emergency"}
	return e.c.doJSON(ctx, http.MethodPost, "/v1/positions/close", req, nil)
}

// ConfirmFlat asks the collaborator whether the book is actually flat.
// Trusting our own close request would defeat the point of confirming.
func (e *ExecutionClient) ConfirmFlat(ctx context.Context) (bool, error) {
	var resp flatResponse
	if err := e.c.doJSON(ctx, http.MethodGet, "/v1/positions/flat", nil, &resp); err != nil {
		return false, err
	}
	return resp.Flat, nil
}
