// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm sends chat messages to an OpenAI-compatible completion service
// and aggregates the (optionally streamed) answer.
//
// A Client owns the conversation store, the tokenizer and the transport.
// Each SendMessage stores the user message, assembles a context window from
// its ancestors, performs one HTTP call and stores the assistant reply.
package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/chatstream/services/llm/assembler"
	"github.com/AleutianAI/chatstream/services/llm/datatypes"
	"github.com/AleutianAI/chatstream/services/llm/observability"
	"github.com/AleutianAI/chatstream/services/llm/store"
	"github.com/AleutianAI/chatstream/services/llm/tokenizer"
)

var tracer = otel.Tracer("chatstream.llm")

// =============================================================================
// Configuration
// =============================================================================

// Config is the instance-level client configuration.
type Config struct {
	// Endpoint is the completion service and its credentials.
	Endpoint Endpoint

	// Params override DefaultCompletionParams. Params.Model selects the
	// model family and with it the endpoint and prompt format.
	Params CompletionParams

	// MaxModelTokens is the model's context size. Zero uses 4000 for chat
	// models and 4096 otherwise.
	MaxModelTokens int

	// MaxResponseTokens is reserved for the answer. Zero uses 1000.
	MaxResponseTokens int

	// SystemMessage is the default system turn for chat models. Nil uses
	// DefaultSystemMessage.
	SystemMessage *string

	// UserLabel and AssistantLabel name speakers in flattened prompts.
	UserLabel      string
	AssistantLabel string

	// ContinuePrompt is sent to resume a truncated answer. Empty uses
	// DefaultContinuePrompt.
	ContinuePrompt string

	// Timeout applies to calls whose SendOptions carry none. Zero means no
	// timeout.
	Timeout time.Duration

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

// DefaultSystemMessage returns the persona sent when no system message is
// configured.
func DefaultSystemMessage(now time.Time) string {
	return "You are ChatGPT, a large language model trained by OpenAI. " +
		"Answer as concisely as possible.\n" +
		"Knowledge cutoff: 2021-09-01\n" +
		"Current date: " + now.UTC().Format("2006-01-02")
}

// Option customizes a Client.
type Option func(*Client)

// WithStore sets the conversation store. Default: an in-memory LRU of
// store.DefaultMemoryCapacity messages.
func WithStore(s store.MessageStore) Option {
	return func(c *Client) { c.store = s }
}

// WithTokenizer sets the tokenizer. Default: tiktoken for the model.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(c *Client) { c.tok = t }
}

// WithTransport sets the HTTP transport. Default: NewHTTPTransport(nil).
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics sink. Default: none.
func WithMetrics(m *observability.StreamingMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRateLimit limits outgoing calls to limit per second with the given
// burst. Calls wait for a token under their own context.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

// =============================================================================
// Client
// =============================================================================

// Client sends messages and stores both sides of each exchange.
//
// Thread Safety: Safe for concurrent use. Concurrent sends on the same
// conversation branch are not serialized.
type Client struct {
	cfg       Config
	params    CompletionParams
	family    tokenizer.Family
	store     store.MessageStore
	tok       tokenizer.Tokenizer
	transport Transport
	logger    *slog.Logger
	metrics   *observability.StreamingMetrics
	limiter   *rate.Limiter

	chat   *assembler.ChatAssembler
	prompt *assembler.PromptAssembler
}

// NewClient creates a client.
//
// # Inputs
//
//   - cfg: Instance configuration. Endpoint.APIKey may be empty for
//     services that do not authenticate.
//   - opts: Collaborator overrides.
//
// # Outputs
//
//   - *Client: Ready to send.
//   - error: Non-nil if the default tokenizer cannot be loaded.
//
// # Examples
//
//	client, err := llm.NewClient(llm.Config{
//	    Endpoint: llm.Endpoint{APIKey: os.Getenv("OPENAI_API_KEY")},
//	}, llm.WithLogger(logger))
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Client{
		cfg:    cfg,
		params: DefaultCompletionParams(cfg.Params.Model).Merge(cfg.Params),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.family = tokenizer.FamilyForModel(c.params.Model)

	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.store == nil {
		c.store = store.NewMemoryStore(store.DefaultMemoryCapacity)
	}
	if c.transport == nil {
		c.transport = NewHTTPTransport(nil)
	}
	if c.tok == nil {
		tok, err := tokenizer.NewTiktoken(c.params.Model)
		if err != nil {
			return nil, fmt.Errorf("load tokenizer for %s: %w", c.params.Model, err)
		}
		c.tok = tok
	}

	acfg := assembler.Config{
		Tokenizer:         c.tok,
		Store:             c.store,
		Family:            c.family,
		MaxModelTokens:    cfg.MaxModelTokens,
		MaxResponseTokens: cfg.MaxResponseTokens,
		UserLabel:         cfg.UserLabel,
		AssistantLabel:    cfg.AssistantLabel,
		Now:               cfg.Now,
		Logger:            c.logger,
	}
	var err error
	if c.family.UsesChatEndpoint() {
		c.chat, err = assembler.NewChatAssembler(acfg)
	} else {
		c.prompt, err = assembler.NewPromptAssembler(acfg)
	}
	if err != nil {
		return nil, fmt.Errorf("create assembler: %w", err)
	}
	return c, nil
}

// Model returns the configured model.
func (c *Client) Model() string {
	return c.params.Model
}

// Family returns the model family derived from the configured model.
func (c *Client) Family() tokenizer.Family {
	return c.family
}

// Store returns the conversation store.
func (c *Client) Store() store.MessageStore {
	return c.store
}

// SendOptions are the per-call settings.
type SendOptions struct {
	// ParentMessageID is the message being replied to.
	ParentMessageID string `json:"parent_message_id,omitempty" validate:"omitempty,max=256"`

	// MessageID is the user message id. Empty generates a UUID v4.
	MessageID string `json:"message_id,omitempty" validate:"omitempty,max=256"`

	// ConversationID groups the thread. Empty generates a UUID v4.
	ConversationID string `json:"conversation_id,omitempty" validate:"omitempty,max=256"`

	// Timeout bounds the call. Zero uses Config.Timeout.
	Timeout time.Duration `json:"timeout,omitempty" validate:"gte=0"`

	// OnProgress receives a snapshot for every streamed fragment. Setting
	// it forces streaming.
	OnProgress func(Response) `json:"-"`

	// Stream requests server-sent events without a progress observer.
	Stream *bool `json:"stream,omitempty"`

	// SystemMessage overrides Config.SystemMessage for this call.
	SystemMessage *string `json:"system_message,omitempty"`

	// Name is the optional speaker name of the user turn.
	Name string `json:"name,omitempty" validate:"omitempty,max=64"`

	// Params override the instance parameters for this call.
	Params CompletionParams `json:"params,omitempty"`

	// PromptPrefix and PromptSuffix replace the flattened prompt framing.
	PromptPrefix string `json:"prompt_prefix,omitempty"`
	PromptSuffix string `json:"prompt_suffix,omitempty"`

	// HistoryDisabled sends no ancestor context.
	HistoryDisabled bool `json:"history_disabled,omitempty"`

	previousAnswer string
	resumes        string
}

// SendMessage sends text and blocks until the answer is stored.
//
// # Description
//
// The user message is stored first, so it persists even if the call
// fails. The assistant message is stored only when the answer completes.
//
// # Outputs
//
//   - datatypes.Message: The stored assistant reply, whose ParentMessageID
//     is the user message id.
//   - error: RemoteServiceError, MalformedResponseError, TimeoutError,
//     CancellationError, ErrEmptyText or a wrapped internal error.
func (c *Client) SendMessage(ctx context.Context, text string, opts SendOptions) (datatypes.Message, error) {
	return c.Start(ctx, text, opts).Wait()
}

// Start sends text on a new goroutine and returns a handle to wait on or
// cancel.
func (c *Client) Start(ctx context.Context, text string, opts SendOptions) *Call {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.cfg.Timeout
	}
	call := newCall(ctx, timeout)
	go c.run(call, text, opts)
	return call
}

// Stream sends text and yields every progress snapshot, then a final
// snapshot with Done set. An error ends the sequence. Breaking out of the
// loop cancels the call.
//
// # Examples
//
//	for resp, err := range client.Stream(ctx, "2+2?", llm.SendOptions{}) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(resp.Delta)
//	}
func (c *Client) Stream(ctx context.Context, text string, opts SendOptions) iter.Seq2[Response, error] {
	return func(yield func(Response, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		updates := make(chan Response)
		opts.OnProgress = func(r Response) {
			select {
			case updates <- r:
			case <-ctx.Done():
			}
		}
		call := c.Start(ctx, text, opts)

		finish := func() {
			if _, err := call.Wait(); err != nil {
				yield(Response{}, err)
				return
			}
			final, _ := call.Response()
			final.Done = true
			yield(final, nil)
		}
		for {
			select {
			case r := <-updates:
				// An update that lost the race with the call ending is stale.
				select {
				case <-call.Done():
					finish()
					return
				default:
				}
				if !yield(r, nil) {
					call.Cancel()
					return
				}
			case <-call.Done():
				finish()
				return
			}
		}
	}
}

// ClearMessages removes every stored message.
func (c *Client) ClearMessages(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	c.logger.Info("conversation store cleared")
	return nil
}

// GetMessage returns a stored message or ErrMessageNotFound.
func (c *Client) GetMessage(ctx context.Context, id string) (datatypes.Message, error) {
	msg, ok, err := c.store.GetMessageByID(ctx, id)
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	if !ok {
		return datatypes.Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return msg, nil
}

// History returns the chain ending at id, oldest first. The walk stops at
// the root, at an unresolvable parent or at a repeated id.
func (c *Client) History(ctx context.Context, id string) ([]datatypes.Message, error) {
	leaf, err := c.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	chain := []datatypes.Message{leaf}
	seen := map[string]struct{}{leaf.ID: {}}
	for parentID := leaf.ParentMessageID; parentID != ""; {
		if _, dup := seen[parentID]; dup {
			c.logger.Warn("message chain has a cycle", "message_id", parentID)
			break
		}
		msg, ok, err := c.store.GetMessageByID(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("get message %s: %w", parentID, err)
		}
		if !ok {
			break
		}
		seen[msg.ID] = struct{}{}
		chain = append(chain, msg)
		parentID = msg.ParentMessageID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// =============================================================================
// Call Execution
// =============================================================================

// exchangeStats carries per-call numbers for metrics.
type exchangeStats struct {
	promptTokens int
	lookups      int
	model        string
}

func (c *Client) run(call *Call, text string, opts SendOptions) {
	mode := c.family.String()
	ctx, span := tracer.Start(call.Context(), "llm.SendMessage",
		trace.WithAttributes(
			attribute.String("llm.family", mode),
			attribute.Bool("llm.history_disabled", opts.HistoryDisabled),
		),
	)
	defer span.End()

	start := time.Now()
	c.metrics.StreamStarted(mode)
	defer c.metrics.StreamEnded(mode)

	resp, stats, err := c.exchange(ctx, call, text, opts, start)
	if err != nil {
		call.fail(err)
		_, err = call.Wait()
		c.recordFailure(span, mode, start, err)
		return
	}

	if !call.beginCommit() {
		_, err = call.Wait()
		c.recordFailure(span, mode, start, err)
		return
	}

	stored := resp.Message()
	stored.CreatedAt = c.cfg.Now().UnixMilli()
	stored.Resumes = opts.resumes
	if err := c.store.UpsertMessage(context.WithoutCancel(ctx), stored); err != nil {
		err = fmt.Errorf("store assistant message: %w", err)
		call.complete(resp, datatypes.Message{}, err)
		c.recordFailure(span, mode, start, err)
		return
	}

	returned := stored
	if opts.previousAnswer != "" {
		returned.Text = opts.previousAnswer + stored.Text
		resp.Text = returned.Text
	}
	call.complete(resp, returned, nil)

	completionTokens := c.tok.Count(stored.Text)
	c.metrics.RecordRequest(mode, true)
	c.metrics.RecordStreamDuration(mode, time.Since(start).Seconds(), true)
	c.metrics.RecordTokens(stats.promptTokens, completionTokens, stats.model)
	c.metrics.RecordContextLookups(mode, stats.lookups)

	span.SetAttributes(
		attribute.String("llm.response_id", stored.ID),
		attribute.Int("llm.prompt_tokens", stats.promptTokens),
		attribute.Int("llm.completion_tokens", completionTokens),
	)
	c.logger.Info("message answered",
		"message_id", stored.ID,
		"parent_message_id", stored.ParentMessageID,
		"model", stats.model,
		"prompt_tokens", stats.promptTokens,
		"completion_tokens", completionTokens,
		"duration_ms", time.Since(start).Milliseconds())
}

func (c *Client) recordFailure(span trace.Span, mode string, start time.Time, err error) {
	kind := ErrorKind(err)
	c.metrics.RecordRequest(mode, false)
	c.metrics.RecordError(mode, kind)
	c.metrics.RecordStreamDuration(mode, time.Since(start).Seconds(), false)

	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
	if kind == KindCancelled {
		c.logger.Debug("message cancelled", "error", err)
		return
	}
	c.logger.Warn("message failed", "kind", kind, "error", err)
}

// exchange stores the user message, assembles context and aggregates the
// answer under the call context.
func (c *Client) exchange(ctx context.Context, call *Call, text string, opts SendOptions, start time.Time) (Response, exchangeStats, error) {
	var stats exchangeStats
	if text == "" {
		return Response{}, stats, ErrEmptyText
	}
	if err := datatypes.Validator().Struct(opts); err != nil {
		return Response{}, stats, fmt.Errorf("invalid send options: %w", err)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, stats, fmt.Errorf("rate limit: %w", err)
		}
	}

	userMsg := datatypes.Message{
		ID:              opts.MessageID,
		Role:            datatypes.RoleUser,
		Text:            text,
		ParentMessageID: opts.ParentMessageID,
		ConversationID:  opts.ConversationID,
		CreatedAt:       c.cfg.Now().UnixMilli(),
	}
	if userMsg.ID == "" {
		userMsg.ID = uuid.NewString()
	}
	if userMsg.ConversationID == "" {
		userMsg.ConversationID = uuid.NewString()
	}
	if err := userMsg.Validate(); err != nil {
		return Response{}, stats, fmt.Errorf("invalid user message: %w", err)
	}
	if err := c.store.UpsertMessage(ctx, userMsg); err != nil {
		return Response{}, stats, fmt.Errorf("store user message: %w", err)
	}

	params := c.params.Merge(opts.Params)
	stats.model = params.Model
	stream := ResolveStream(opts.OnProgress != nil, opts.Stream)

	req, err := c.buildRequest(ctx, text, opts, params, stream, &stats)
	if err != nil {
		return Response{}, stats, err
	}

	mode := c.family.String()
	agg := NewAggregator(c.transport, c.family.UsesChatEndpoint(), Response{
		ID:              uuid.NewString(),
		Role:            datatypes.RoleAssistant,
		ParentMessageID: userMsg.ID,
		ConversationID:  userMsg.ConversationID,
	}, c.logger)
	agg.OnFirstDelta = func() {
		c.metrics.RecordTimeToFirstToken(mode, time.Since(start).Seconds())
	}
	call.agg.Store(agg)

	observer := opts.OnProgress
	if observer != nil && opts.previousAnswer != "" {
		inner, prev := observer, opts.previousAnswer
		observer = func(r Response) {
			r.Text = prev + r.Text
			inner(r)
		}
	}

	httpCtx, httpSpan := tracer.Start(ctx, "llm.HTTP",
		trace.WithAttributes(
			attribute.String("http.url", req.URL),
			attribute.Bool("llm.stream", stream),
		),
	)
	resp, err := agg.Run(httpCtx, req, stream, call.progress(observer))
	if err != nil {
		httpSpan.RecordError(err)
		httpSpan.SetStatus(codes.Error, "completion failed")
	}
	httpSpan.End()
	return resp, stats, err
}

// buildRequest assembles the context window for the client's family and
// encodes the request.
func (c *Client) buildRequest(ctx context.Context, text string, opts SendOptions, params CompletionParams, stream bool, stats *exchangeStats) (TransportRequest, error) {
	if c.chat != nil {
		system := opts.SystemMessage
		if system == nil {
			system = c.cfg.SystemMessage
		}
		if system == nil {
			def := DefaultSystemMessage(c.cfg.Now())
			system = &def
		}
		win, err := c.chat.Assemble(ctx, assembler.ChatInput{
			Text:            text,
			Name:            opts.Name,
			SystemMessage:   system,
			ParentMessageID: opts.ParentMessageID,
			HistoryDisabled: opts.HistoryDisabled,
		})
		if err != nil {
			return TransportRequest{}, fmt.Errorf("assemble chat context: %w", err)
		}
		stats.promptTokens, stats.lookups = win.TokenCount, win.Lookups
		return BuildChatRequest(c.cfg.Endpoint, params, win.Turns, stream)
	}

	win, err := c.prompt.Assemble(ctx, assembler.PromptInput{
		Text:            text,
		ParentMessageID: opts.ParentMessageID,
		PromptPrefix:    opts.PromptPrefix,
		PromptSuffix:    opts.PromptSuffix,
		HistoryDisabled: opts.HistoryDisabled,
	})
	if err != nil {
		return TransportRequest{}, fmt.Errorf("assemble prompt: %w", err)
	}
	stats.promptTokens, stats.lookups = win.TokenCount, win.Lookups
	return BuildCompletionRequest(c.cfg.Endpoint, params, win.Prompt, win.MaxTokens, c.family, stream)
}
