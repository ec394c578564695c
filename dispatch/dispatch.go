package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/improdead/esprit/credential"
	"github.com/improdead/esprit/observability"
	"github.com/improdead/esprit/pricing"
	"github.com/improdead/esprit/provider"
	"github.com/improdead/esprit/tracer"
)

// DefaultMaxRetries is the default cap on the outer retry loop.
const DefaultMaxRetries = 5

// DefaultTimeout is the per-call HTTP timeout for providers that don't
// override it.
const DefaultTimeout = 120 * time.Second

// Dispatcher is the dispatch core: it turns a conversation and ModelConfig into a
// streamed sequence of LLMResponse snapshots. One Dispatcher is shared
// across every dispatch call in the process.
type Dispatcher struct {
	registry   *provider.Registry
	pool       *provider.ConnectionPool
	pricing    *pricing.Catalog
	store      *credential.Store
	accounts   *credential.AccountPool
	tracer     *tracer.Tracer
	maxRetries int
	metrics    *observability.Metrics
	logger     zerolog.Logger

	// stickyModels remembers, per Dispatcher lifetime, the model a
	// caller's fallback chain settled on after a successful fallback.
	stickyModels map[string]string
}

// New builds a Dispatcher wiring together the pricing catalog, the
// credential pool, the provider registry, and the shared tracer.
// metrics may be nil; when set, every attempt and account rotation
// reports into it.
func New(registry *provider.Registry, pool *provider.ConnectionPool, cat *pricing.Catalog, store *credential.Store, accounts *credential.AccountPool, tr *tracer.Tracer, maxRetries int, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Dispatcher{
		registry:     registry,
		pool:         pool,
		pricing:      cat,
		store:        store,
		accounts:     accounts,
		tracer:       tr,
		maxRetries:   maxRetries,
		metrics:      metrics,
		logger:       logger.With().Str("component", "dispatch").Logger(),
		stickyModels: make(map[string]string),
	}
}

// Dispatch runs the dispatch core's full request/stream/retry/fallback pipeline for
// one conversation turn and returns a channel of LLMResponse
// snapshots. The channel is closed after the terminal snapshot (Done
// == true) or after a snapshot carrying a non-nil Err. Cancelling ctx
// tears down any in-flight HTTP stream and stops billing the aborted
// turn.
func (d *Dispatcher) Dispatch(ctx context.Context, conv []Message, cfg ModelConfig) <-chan LLMResponse {
	out := make(chan LLMResponse, 8)
	go d.run(ctx, conv, cfg, out)
	return out
}

func (d *Dispatcher) run(ctx context.Context, conv []Message, cfg ModelConfig, out chan<- LLMResponse) {
	defer close(out)

	model := cfg.Model
	if sticky, ok := d.stickyModels[cfg.Model]; ok {
		model = sticky
	}

	if cfg.Compressor != nil {
		conv = d.compressHistory(ctx, conv, cfg)
	}

	attempts := 0
	fallbackIdx := -1

	var lastErr error

	for {
		if ctx.Err() != nil {
			out <- LLMResponse{Done: true, Err: wrapError(model, ctx.Err())}
			return
		}
		if attempts > d.maxRetries {
			if lastErr == nil {
				lastErr = fmt.Errorf("max retries exceeded")
			}
			out <- LLMResponse{Done: true, Err: wrapError(model, lastErr)}
			return
		}

		mode, err := d.attempt(ctx, conv, cfg, model, out)
		if err == nil {
			return
		}
		lastErr = err

		// Missing credentials or a failed refresh can't be fixed by
		// retrying the same call, so these end the dispatch immediately.
		if errors.Is(err, errAuthMissing) || errors.Is(err, errAuthExpired) {
			out <- LLMResponse{Done: true, Err: wrapError(model, err)}
			return
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == 429 {
			if d.rotateOn429(ctx, statusErr, model) {
				continue // retry without incrementing attempts
			}
		}

		if errors.As(err, &statusErr) && !isRetryable(statusErr.StatusCode) {
			// Model fallback only applies to Mode B.
			if mode == provider.ModeCloudCodeEnvelope {
				if next, ok := d.nextFallback(cfg, &fallbackIdx); ok {
					d.logger.Warn().Str("from", model).Str("to", next).Msg("model fallback after non-retryable error")
					model = next
					d.stickyModels[cfg.Model] = next
					attempts = 0
					continue
				}
			}
			out <- LLMResponse{Done: true, Err: wrapError(model, err)}
			return
		}

		sleep := time.Duration(math.Min(10, 2*math.Pow(2, float64(attempts)))) * time.Second
		d.logger.Warn().Err(err).Str("model", model).Dur("sleep", sleep).Msg("retryable dispatch error, backing off")
		select {
		case <-ctx.Done():
			out <- LLMResponse{Done: true, Err: wrapError(model, ctx.Err())}
			return
		case <-time.After(sleep):
		}
		attempts++
	}
}

// compressHistory runs the external memory compressor over the
// conversation, flagging the agent as compacting in the tracer for the
// duration. A failed compression keeps the original history.
func (d *Dispatcher) compressHistory(ctx context.Context, conv []Message, cfg ModelConfig) []Message {
	if d.tracer != nil && cfg.AgentID != "" {
		d.tracer.SetCompacting(cfg.AgentID, true)
		defer d.tracer.SetCompacting(cfg.AgentID, false)
	}
	compressed, err := cfg.Compressor.Compress(ctx, conv)
	if err != nil {
		d.logger.Warn().Err(err).Msg("memory compression failed, dispatching uncompressed history")
		return conv
	}
	return compressed
}

// nextFallback advances idx and returns the next unseen fallback model
// from cfg.FallbackChain, if any remain.
func (d *Dispatcher) nextFallback(cfg ModelConfig, idx *int) (string, bool) {
	if *idx+1 >= len(cfg.FallbackChain) {
		return "", false
	}
	*idx++
	return cfg.FallbackChain[*idx], true
}

// rotateOn429 identifies the offending account, marks it rate-limited
// with the provider's Retry-After, and rotates the pool. Returns true
// when rotation found a different account to retry with.
func (d *Dispatcher) rotateOn429(ctx context.Context, statusErr *StatusError, model string) bool {
	if d.accounts == nil {
		return false
	}
	providerID := statusErr.Provider
	_, bare := provider.ModelIdentifier(model)
	acct, ok := d.accounts.PeekBestAccount(providerID, bare)
	if !ok {
		if d.metrics != nil {
			d.metrics.TrackProviderHealth(providerID, false)
		}
		return false
	}
	retryAfter := 60.0
	if statusErr.RetryAfter > 0 {
		retryAfter = float64(statusErr.RetryAfter)
	}
	if err := d.accounts.MarkRateLimited(providerID, acct.Email, bare, retryAfter); err != nil {
		d.logger.Warn().Err(err).Msg("mark_rate_limited failed")
	}
	if d.metrics != nil {
		d.metrics.TrackAccountRotation(providerID, "rate_limited")
	}
	_, rotated := d.accounts.Rotate(providerID, bare)
	if d.metrics != nil {
		d.metrics.TrackProviderHealth(providerID, rotated)
	}
	return rotated
}

// attempt runs exactly one provider call (one Mode A or Mode B
// execution) and streams its snapshots to out. A non-nil return is a
// *StatusError, an error wrapping errAuthMissing or errAuthExpired
// (terminal for the outer loop), or a plain error classified as
// retryable.
func (d *Dispatcher) attempt(ctx context.Context, conv []Message, cfg ModelConfig, model string, out chan<- LLMResponse) (provider.Mode, error) {
	_, bare := provider.ModelIdentifier(model)
	family, ok := provider.ResolveFamily(model, func(f provider.Family) bool {
		return d.store.HasCredentials(string(f)) || (d.accounts != nil && d.accounts.HasAccounts(string(f)))
	})
	if !ok {
		return provider.ModeChatCompletions, fmt.Errorf("%w: no provider family resolves model %q", errAuthMissing, model)
	}
	adapter, ok := d.registry.Get(family)
	if !ok {
		return provider.ModeChatCompletions, fmt.Errorf("%w: no adapter registered for family %q", errAuthMissing, family)
	}
	mode := adapter.Mode()

	creds, email, err := d.selectCredential(ctx, family, adapter, bare)
	if err != nil {
		return mode, err
	}

	messages := prepareMessages(conv, cfg, adapter.SupportsVision())

	start := time.Now()
	var runErr error
	switch mode {
	case provider.ModeChatCompletions:
		runErr = d.runModeA(ctx, adapter, creds, bare, messages, cfg, out)
	case provider.ModeCloudCodeEnvelope:
		cc, ok := adapter.(*provider.CloudCodeAdapter)
		if !ok {
			runErr = fmt.Errorf("dispatch: family %q reports ModeCloudCodeEnvelope but isn't a CloudCodeAdapter", family)
		} else {
			runErr = d.runModeB(ctx, cc, creds, email, bare, messages, cfg, out)
		}
	default:
		runErr = fmt.Errorf("dispatch: unknown adapter mode %v", mode)
	}
	if d.metrics != nil {
		d.metrics.TrackDispatch(string(family), bare, modeLabel(mode), statusCodeOf(runErr), float64(time.Since(start).Milliseconds()), 0, false)
	}
	return mode, runErr
}

// modeLabel names an execution mode for metric labels.
func modeLabel(mode provider.Mode) string {
	if mode == provider.ModeCloudCodeEnvelope {
		return "cloudcode_envelope"
	}
	return "chat_completions"
}

// statusCodeOf extracts the terminal HTTP status an attempt ended
// with, 200 for success, 0 when the failure never reached the wire.
func statusCodeOf(err error) int {
	if err == nil {
		return 200
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// selectCredential picks usable credentials for the request: pool-backed
// multi-account providers use the credential pool's best-account selection; everyone
// else uses the single-credential store. Expired OAuth credentials are
// refreshed and persisted back in place.
func (d *Dispatcher) selectCredential(ctx context.Context, family provider.Family, adapter provider.Adapter, model string) (credential.Credential, string, error) {
	providerID := string(family)
	nowMs := time.Now().UnixMilli()

	if d.accounts != nil && d.accounts.HasAccounts(providerID) {
		acct, ok := d.accounts.GetBestAccount(providerID, model)
		if !ok {
			return credential.Credential{}, "", fmt.Errorf("%w: %s: no viable account", errAuthMissing, providerID)
		}
		creds := acct.Credentials
		if creds.Type == credential.TypeOAuth && creds.IsExpired(nowMs) {
			refreshed, err := adapter.RefreshToken(ctx, creds)
			if err != nil {
				return credential.Credential{}, "", fmt.Errorf("%w: %s: %v", errAuthExpired, providerID, err)
			}
			if err := d.accounts.UpdateCredentials(providerID, acct.Email, refreshed); err != nil {
				d.logger.Warn().Err(err).Msg("persisting refreshed pooled credential failed")
			}
			creds = refreshed
		}
		return creds, acct.Email, nil
	}

	creds, ok := d.store.Get(providerID)
	if !ok {
		return credential.Credential{}, "", fmt.Errorf("%w: %s: no stored credential", errAuthMissing, providerID)
	}
	if creds.Type == credential.TypeOAuth && creds.IsExpired(nowMs) {
		refreshed, err := adapter.RefreshToken(ctx, creds)
		if err != nil {
			return credential.Credential{}, "", fmt.Errorf("%w: %s: %v", errAuthExpired, providerID, err)
		}
		if err := d.store.Set(providerID, refreshed); err != nil {
			d.logger.Warn().Err(err).Msg("persisting refreshed credential failed")
		}
		creds = refreshed
	}
	return creds, creds.Extra["email"], nil
}

// prepareMessages prepends the system prompt, optionally appends the
// agent-identity block, and strips image parts when the adapter
// doesn't support vision. The caller's conversation history is left
// untouched; the memory-compressor step is an external collaborator
// out of scope here.
func prepareMessages(conv []Message, cfg ModelConfig, supportsVision bool) []Message {
	out := make([]Message, 0, len(conv)+2)
	if cfg.SystemPrompt != "" {
		out = append(out, Message{Role: "system", Content: cfg.SystemPrompt})
	}
	for _, m := range conv {
		if !supportsVision {
			m = stripImages(m)
		}
		out = append(out, m)
	}
	if cfg.AgentIdentity != "" {
		out = append(out, Message{Role: "user", Content: cfg.AgentIdentity})
	}
	return out
}

func stripImages(m Message) Message {
	parts, ok := m.Content.([]provider.ContentPart)
	if !ok {
		return m
	}
	out := make([]provider.ContentPart, 0, len(parts))
	for _, p := range parts {
		if p.Type == "image_url" {
			out = append(out, provider.ContentPart{Type: "text", Text: "[image omitted: model does not support vision]"})
			continue
		}
		out = append(out, p)
	}
	m.Content = out
	return m
}

// recordStats updates the running token/cost accumulator: compute
// this turn's cost via the pricing catalog, add it into the tracer's per-agent
// accumulator, and return the Usage snapshot handed back in the
// terminal LLMResponse.
func (d *Dispatcher) recordStats(agentID, model string, input, output, cached int64) Usage {
	cost := 0.0
	if d.pricing != nil {
		cost = d.pricing.GetCost(model, input, output, cached)
	}
	turn := tracer.RequestStats{
		InputTokens:     input,
		OutputTokens:    output,
		CachedTokens:    cached,
		Cost:            cost,
		Requests:        1,
		LastInputTokens: input,
	}
	if d.tracer != nil && agentID != "" {
		d.tracer.AddStats(agentID, turn)
	}
	return Usage{InputTokens: input, OutputTokens: output, CachedTokens: cached, Cost: cost}
}

// parseRetryAfter parses an HTTP Retry-After header value as whole
// seconds, defaulting to 0 (caller applies its own 60 s default) when
// absent or unparseable.
func parseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	n, err := strconv.Atoi(header)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
