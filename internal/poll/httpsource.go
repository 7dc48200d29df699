package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imrishuroy/go-payment-reconciliation/internal/reconcile"
)

// HTTPSource reads order status from the API's GET /orders/:id/status.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPSource returns an HTTPSource with a bounded per-request timeout.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSource) GetStatus(ctx context.Context, orderID string) (reconcile.StatusView, error) {
	endpoint := h.BaseURL + "/orders/" + url.PathEscape(orderID) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return reconcile.StatusView{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return reconcile.StatusView{}, fmt.Errorf("get status: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return reconcile.StatusView{}, fmt.Errorf("%w: %s", reconcile.ErrOrderNotFound, orderID)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return reconcile.StatusView{}, fmt.Errorf("get status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var view reconcile.StatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return reconcile.StatusView{}, fmt.Errorf("decode status: %w", err)
	}
	return view, nil
}
