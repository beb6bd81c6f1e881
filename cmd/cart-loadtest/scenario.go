package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"

	codeTransport     = "transport_error"
	codeReplayMissing = "replay_missing"
)

var errReplayMissing = errors.New("repeated request was not served from idempotency cache")

type addItemPayload struct {
	ID        string          `json:"id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

type callResult struct {
	status   int
	replayed bool
}

func (r callResult) code() string {
	return strconv.Itoa(r.status)
}

func (r callResult) ok() bool {
	return r.status >= 200 && r.status < 300
}

type cartClient struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

func newCartClient(base string, httpClient *http.Client, timeout time.Duration) *cartClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &cartClient{base: base, http: httpClient, timeout: timeout}
}

func (c *cartClient) addItem(ctx context.Context, key string, payload addItemPayload) (callResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return callResult{}, err
	}
	return c.do(ctx, http.MethodPost, "/cart/items", key, body)
}

func (c *cartClient) updateQuantity(ctx context.Context, id string, quantity int) (callResult, error) {
	body, err := json.Marshal(map[string]int{"quantity": quantity})
	if err != nil {
		return callResult{}, err
	}
	return c.do(ctx, http.MethodPut, "/cart/items/"+url.PathEscape(id), "", body)
}

func (c *cartClient) removeItem(ctx context.Context, id string) (callResult, error) {
	return c.do(ctx, http.MethodDelete, "/cart/items/"+url.PathEscape(id), "", nil)
}

func (c *cartClient) clear(ctx context.Context) (callResult, error) {
	res, err := c.do(ctx, http.MethodDelete, "/cart", "", nil)
	if err == nil && !res.ok() {
		err = fmt.Errorf("unexpected status %d", res.status)
	}
	return res, err
}

func (c *cartClient) do(ctx context.Context, method, path, key string, body []byte) (callResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return callResult{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return callResult{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return callResult{status: resp.StatusCode, replayed: resp.Header.Get(replayedHeader) == "true"}, nil
}

// runScenario выполняет один сценарий и пишет задержки каждого вызова в collector.
func runScenario(ctx context.Context, client *cartClient, cfg config, index int, runID string, col *collector) error {
	scenarioStart := time.Now()
	scenarioCode := "200"
	defer func() {
		col.record("scenario", time.Since(scenarioStart), scenarioCode)
	}()

	itemID := fmt.Sprintf("%s-%d", cfg.skuPrefix, index%cfg.items)
	payload := addItemPayload{ID: itemID, UnitPrice: cfg.unitPrice, Quantity: 1}
	key := fmt.Sprintf("lt-add-%s-%d", runID, index)

	if code, err := timedCall(col, "AddItem", func() (callResult, error) {
		return client.addItem(ctx, key, payload)
	}); err != nil {
		scenarioCode = code
		return err
	}

	switch cfg.mode {
	case modeAddRetry:
		start := time.Now()
		res, err := client.addItem(ctx, key, payload)
		code := resultCode(res, err)
		if err == nil && res.ok() && !res.replayed {
			code, err = codeReplayMissing, errReplayMissing
		}
		col.record("AddItemRetry", time.Since(start), code)
		if err != nil || !res.ok() {
			scenarioCode = code
			return callError(res, err)
		}
	case modeAddUpdate, modeChurn:
		quantity := 1 + index%5
		if code, err := timedCall(col, "UpdateQuantity", func() (callResult, error) {
			return client.updateQuantity(ctx, itemID, quantity)
		}); err != nil {
			scenarioCode = code
			return err
		}
		if cfg.mode == modeChurn {
			if code, err := timedCall(col, "RemoveItem", func() (callResult, error) {
				return client.removeItem(ctx, itemID)
			}); err != nil {
				scenarioCode = code
				return err
			}
		}
	}

	return nil
}

func timedCall(col *collector, method string, call func() (callResult, error)) (string, error) {
	start := time.Now()
	res, err := call()
	code := resultCode(res, err)
	col.record(method, time.Since(start), code)
	if err != nil || !res.ok() {
		return code, callError(res, err)
	}
	return code, nil
}

func resultCode(res callResult, err error) string {
	if err != nil {
		return codeTransport
	}
	return res.code()
}

func callError(res callResult, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("unexpected status %d", res.status)
}
