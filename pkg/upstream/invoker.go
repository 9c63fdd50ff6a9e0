// Package upstream executes calls against the financial-data HTTP endpoint.
// The invoker is a pure remote call with retry and bounds; caching sits in
// front of it, not inside it.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/akfin/datagate/pkg/api"
	"github.com/akfin/datagate/pkg/catalog"
	"github.com/akfin/datagate/pkg/table"
)

const (
	// DefaultTimeout caps a single Call end to end, retries included.
	DefaultTimeout = 30 * time.Second
	// DefaultRetries is the total attempt count for transient failures.
	DefaultRetries = 3
	// DefaultBackoffBase seeds the exponential backoff schedule.
	DefaultBackoffBase = 500 * time.Millisecond
	// MaxResultBytes bounds the serialized upstream payload.
	MaxResultBytes = 10 << 20
)

// Options tune the invoker. Zero values take the defaults above.
type Options struct {
	Timeout     time.Duration
	Retries     int
	BackoffBase time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Invoker calls named interfaces on an AkTools-style data endpoint:
// GET {base}/api/public/{interface}?{params} returning a JSON array of
// records.
type Invoker struct {
	registry    *catalog.Registry
	baseURL     string
	client      *http.Client
	timeout     time.Duration
	retries     int
	backoffBase time.Duration
	breaker     *gobreaker.CircuitBreaker
	log         *slog.Logger

	// jitter is replaceable in tests to make the schedule deterministic.
	jitter func(max time.Duration) time.Duration
}

// New builds an invoker bound to the given registry and endpoint base URL.
func New(registry *catalog.Registry, baseURL string, opts Options) *Invoker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Invoker{
		registry:    registry,
		baseURL:     baseURL,
		client:      opts.HTTPClient,
		timeout:     opts.Timeout,
		retries:     opts.Retries,
		backoffBase: opts.BackoffBase,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "upstream",
			Timeout: opts.Timeout,
		}),
		log: opts.Logger.With("component", "upstream"),
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// retriable marks errors worth another attempt: network failures and
// transient upstream statuses. Parameter rejections are final.
type retriableError struct{ err error }

func (e *retriableError) Error() string { return e.err.Error() }
func (e *retriableError) Unwrap() error { return e.err }

func isRetriable(err error) bool {
	var re *retriableError
	return errors.As(err, &re)
}

// Call invokes interface name with params and normalizes the result.
// The interface must exist in the registry. The whole call, attempts and
// backoff included, is bounded by the configured timeout.
func (inv *Invoker) Call(ctx context.Context, name string, params map[string]string) (*table.Table, error) {
	if !inv.registry.Has(name) {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownInterface, name)
	}

	ctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	u, err := inv.requestURL(name, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrInvalidParameters, err)
	}

	var lastErr error
	for attempt := 0; attempt < inv.retries; attempt++ {
		if attempt > 0 {
			delay := inv.backoffBase << (attempt - 1)
			select {
			case <-time.After(inv.jitter(delay)):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s", api.ErrUpstreamTimeout, name)
			}
		}

		raw, err := inv.attempt(ctx, u)
		if err == nil {
			return decodeRecords(raw)
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", api.ErrUpstreamTimeout, name)
		}
		if !isRetriable(err) {
			return nil, err
		}
		inv.log.Warn("upstream attempt failed",
			"interface", name, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (inv *Invoker) requestURL(name string, params map[string]string) (string, error) {
	base, err := url.Parse(inv.baseURL)
	if err != nil {
		return "", err
	}
	base.Path, err = url.JoinPath(base.Path, "api", "public", name)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// attempt performs one HTTP round trip through the circuit breaker.
func (inv *Invoker) attempt(ctx context.Context, u string) ([]byte, error) {
	res, err := inv.breaker.Execute(func() (any, error) {
		return inv.roundTrip(ctx, u)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", api.ErrUpstreamError)
		}
		return nil, err
	}
	return res.([]byte), nil
}

func (inv *Invoker) roundTrip(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := inv.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", api.ErrUpstreamTimeout, err)
		}
		return nil, &retriableError{fmt.Errorf("%w: %v", api.ErrUpstreamError, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &retriableError{fmt.Errorf("%w: status %d", api.ErrUpstreamError, resp.StatusCode)}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: upstream rejected the call (status %d)", api.ErrInvalidParameters, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", api.ErrUpstreamError, resp.StatusCode)
	}

	// Read one byte past the cap to tell "exactly at" from "over".
	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResultBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: reading response", api.ErrUpstreamTimeout)
		}
		return nil, &retriableError{fmt.Errorf("%w: reading response: %v", api.ErrUpstreamError, err)}
	}
	if len(raw) > MaxResultBytes {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", api.ErrResultTooLarge, MaxResultBytes)
	}
	return raw, nil
}

// decodeRecords turns the upstream JSON array of records into a Table.
// Field order follows the first appearance of each key; cell values go
// through scalar normalization.
func decodeRecords(raw []byte) (*table.Table, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: decoding upstream payload: %v", api.ErrUpstreamError, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("%w: upstream payload is not a record array", api.ErrUpstreamError)
	}

	var fields []string
	index := map[string]int{}
	var rows [][]table.Cell

	for dec.More() {
		objTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: decoding record: %v", api.ErrUpstreamError, err)
		}
		if d, ok := objTok.(json.Delim); !ok || d != '{' {
			return nil, fmt.Errorf("%w: record is not an object", api.ErrUpstreamError)
		}

		row := make([]table.Cell, len(fields))
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("%w: decoding record key: %v", api.ErrUpstreamError, err)
			}
			key := keyTok.(string)

			var val any
			if err := dec.Decode(&val); err != nil {
				return nil, fmt.Errorf("%w: decoding record value: %v", api.ErrUpstreamError, err)
			}

			i, seen := index[key]
			if !seen {
				i = len(fields)
				index[key] = i
				fields = append(fields, key)
				// Grow every prior row so column widths stay aligned.
				for r := range rows {
					rows[r] = append(rows[r], table.Null())
				}
			}
			for len(row) <= i {
				row = append(row, table.Null())
			}
			row[i] = table.Normalize(val)
		}
		if _, err := dec.Token(); err != nil { // closing '}'
			return nil, fmt.Errorf("%w: decoding record: %v", api.ErrUpstreamError, err)
		}
		for len(row) < len(fields) {
			row = append(row, table.Null())
		}
		rows = append(rows, row)
	}
	if _, err := dec.Token(); err != nil { // closing ']'
		return nil, fmt.Errorf("%w: decoding upstream payload: %v", api.ErrUpstreamError, err)
	}

	if len(fields) == 0 {
		// An empty result set still needs a non-empty field list downstream;
		// callers treat this as "no data".
		return table.New(nil), nil
	}
	t := table.New(fields)
	for _, row := range rows {
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
