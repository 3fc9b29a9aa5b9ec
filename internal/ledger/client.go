package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ledgersync/backend/internal/vault"
)

// TokenProvider supplies valid access tokens per tenant. Satisfied by
// *vault.Vault.
type TokenProvider interface {
	AccessToken(ctx context.Context, tenantID string) (string, error)
	ForceRefresh(ctx context.Context, tenantID string) (string, error)
	MarkDisconnected(ctx context.Context, tenantID, reason string) error
}

// AlreadyPosted reports whether the journal entry has been posted by a
// concurrent run. Consulted before every backoff retry; a nil func skips
// the check.
type AlreadyPosted func(ctx context.Context) (bool, error)

// ErrAlreadyPosted means a concurrent run posted the entry while this one
// was backing off. The remote ledger already has the journal.
var ErrAlreadyPosted = errors.New("journal entry was posted by a concurrent run")

// Config carries the external ledger API settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// MaxRetryElapsed caps the total time spent retrying one journal post.
	MaxRetryElapsed time.Duration
	// RatePerSec throttles outgoing calls to stay under the remote limit.
	RatePerSec float64
	Burst      int
}

// Client posts balanced journals to the external ledger API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	limiter    *rate.Limiter
	maxElapsed time.Duration
	log        zerolog.Logger
}

func NewClient(cfg Config, tokens TokenProvider, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxElapsed := cfg.MaxRetryElapsed
	if maxElapsed <= 0 {
		maxElapsed = time.Minute
	}
	ratePerSec := cfg.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		maxElapsed: maxElapsed,
		log:        log,
	}
}

type journalRequest struct {
	Narration string        `json:"narration"`
	Date      string        `json:"date"`
	Lines     []JournalLine `json:"lines"`
}

type journalResponse struct {
	ID string `json:"id"`
}

// PostJournal submits the lines as one balanced journal and returns the
// remote journal id. Transient failures (transport errors, 5xx, 429) are
// retried with capped exponential backoff; credential failures and remote
// validation rejections are returned immediately. Before each retry the
// alreadyPosted func is consulted so a journal that another run landed
// during the backoff window is never posted twice.
func (c *Client) PostJournal(ctx context.Context, tenantID, narration string, date time.Time, lines []JournalLine, alreadyPosted AlreadyPosted) (string, error) {
	if len(lines) == 0 {
		return "", fmt.Errorf("journal for tenant %s has no lines", tenantID)
	}
	if !linesBalance(lines) {
		return "", fmt.Errorf("journal lines for tenant %s do not sum to zero", tenantID)
	}

	payload, err := json.Marshal(journalRequest{
		Narration: narration,
		Date:      date.Format("2006-01-02"),
		Lines:     lines,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode journal: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = c.maxElapsed

	attempt := 0
	operation := func() (string, error) {
		attempt++
		// The first attempt was vetted by the caller; any later attempt
		// runs after a backoff window in which another run may have
		// posted the entry.
		if attempt > 1 && alreadyPosted != nil {
			posted, err := alreadyPosted(ctx)
			if err != nil {
				return "", err
			}
			if posted {
				return "", backoff.Permanent(ErrAlreadyPosted)
			}
		}
		id, err := c.postOnce(ctx, tenantID, payload)
		if err == nil {
			return id, nil
		}

		// Credential failures need manual reconnection and validation
		// rejections need a data fix; retrying either is pointless.
		// Everything else, including a flaky token endpoint, is worth
		// another attempt.
		var credErr *vault.CredentialError
		var rejection *RemoteRejectionError
		if errors.As(err, &credErr) || errors.As(err, &rejection) {
			return "", backoff.Permanent(err)
		}

		c.log.Warn().Err(err).Str("tenant_id", tenantID).Int("attempt", attempt).
			Msg("transient ledger failure, will retry")
		return "", err
	}

	return backoff.RetryWithData(operation, backoff.WithContext(bo, ctx))
}

func (c *Client) postOnce(ctx context.Context, tenantID string, payload []byte) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait: %w", err)
	}

	token, err := c.tokens.AccessToken(ctx, tenantID)
	if err != nil {
		return "", err
	}

	status, body, err := c.send(ctx, token, payload)
	if err != nil {
		return "", &TransientError{Err: err}
	}

	if status == http.StatusUnauthorized {
		// The stored expiry was optimistic; force one refresh and retry.
		// A second rejection means the credential itself is bad.
		token, err = c.tokens.ForceRefresh(ctx, tenantID)
		if err != nil {
			return "", err
		}
		status, body, err = c.send(ctx, token, payload)
		if err != nil {
			return "", &TransientError{Err: err}
		}
		if status == http.StatusUnauthorized {
			// The credential is bad, not merely stale. Persist that so
			// the connection status reflects it for operators.
			reason := "ledger rejected a freshly refreshed access token"
			if derr := c.tokens.MarkDisconnected(ctx, tenantID, reason); derr != nil {
				c.log.Error().Err(derr).Str("tenant_id", tenantID).
					Msg("failed to mark tenant disconnected")
			}
			return "", &vault.CredentialError{TenantID: tenantID, Reason: reason}
		}
	}

	switch {
	case status >= 200 && status < 300:
		var parsed journalResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("failed to decode ledger response: %w", err)
		}
		if parsed.ID == "" {
			return "", fmt.Errorf("ledger response carried no journal id")
		}
		return parsed.ID, nil
	case status == http.StatusTooManyRequests || status >= 500:
		return "", &TransientError{StatusCode: status}
	default:
		return "", &RemoteRejectionError{StatusCode: status, Body: string(body)}
	}
}

func (c *Client) send(ctx context.Context, token string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/journals", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build journal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read ledger response: %w", err)
	}
	return resp.StatusCode, body, nil
}
