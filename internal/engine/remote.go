package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	"github.com/andresmejia3/facescan/internal/logging"
	"github.com/andresmejia3/facescan/internal/types"
)

// RemoteOptions configures the HTTP detection service client.
type RemoteOptions struct {
	URL               string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        uint64
	RetryInterval     time.Duration
	Client            *http.Client
}

// remoteBox is one face in the service response. Coordinates are already
// normalized with a top-left origin.
type remoteBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type remoteResponse struct {
	Faces []remoteBox `json:"faces"`
	Error string      `json:"error,omitempty"`
}

// errRetryable marks a response worth retrying (429 and 5xx).
var errRetryable = errors.New("retryable response")

// remoteEngine holds no per-call mutable state; each Detect builds its own request.
type remoteEngine struct {
	opts    RemoteOptions
	client  *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger
	now     func() time.Time
}

func newRemoteEngine(opts RemoteOptions, logger *logging.Logger) *remoteEngine {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	return &remoteEngine{
		opts:    opts,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "engine", "engine", KindRemote.String()),
		now:     time.Now,
	}
}

// Detect validates synchronously and then performs the request on its own
// goroutine, invoking done when the response has been handled.
func (e *remoteEngine) Detect(ctx context.Context, img *types.Image, identifier string, done func(types.Result)) {
	done = once(done)

	if e.opts.URL == "" {
		done(types.NewFailure(identifier, fmt.Errorf("%w: remote: no service URL configured", types.ErrBackendUnavailable), 0))
		return
	}
	if err := validate(img); err != nil {
		done(types.NewFailure(identifier, err, 0))
		return
	}

	var body bytes.Buffer
	if err := jpeg.Encode(&body, img.Pixels, &jpeg.Options{Quality: 90}); err != nil {
		done(types.NewFailure(identifier, fmt.Errorf("%w: %w", types.ErrMalformedImage, err), 0))
		return
	}

	go func() {
		done(e.request(ctx, body.Bytes(), identifier))
	}()
}

func (e *remoteEngine) request(ctx context.Context, body []byte, identifier string) types.Result {
	start := e.now()

	var parsed remoteResponse
	operation := func() error {
		if err := e.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "image/jpeg")
		req.Header.Set("X-Asset-Identifier", identifier)

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
		}

		parsed = remoteResponse{}
		decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)
		if resp.StatusCode != http.StatusOK {
			msg := parsed.Error
			if msg == "" {
				msg = http.StatusText(resp.StatusCode)
			}
			return backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, msg))
		}
		if decodeErr != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", decodeErr))
		}
		if parsed.Error != "" {
			return backoff.Permanent(errors.New(parsed.Error))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	if e.opts.RetryInterval > 0 {
		policy.InitialInterval = e.opts.RetryInterval
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, e.opts.MaxRetries), ctx))
	elapsed := e.now().Sub(start)
	if err != nil {
		e.logger.Warn("remote detection failed", "identifier", identifier, "err", err)
		return types.NewFailure(identifier, fmt.Errorf("%w: remote: %w", types.ErrBackendProcessing, err), elapsed)
	}

	faces := make([]types.Face, 0, len(parsed.Faces))
	for _, b := range parsed.Faces {
		faces = append(faces, types.Face{
			Box: types.Rect{
				X: clampUnit(b.X),
				Y: clampUnit(b.Y),
				W: clampUnit(b.W),
				H: clampUnit(b.H),
			},
			Identifier: identifier,
		})
	}
	return types.NewResult(identifier, faces, elapsed)
}
