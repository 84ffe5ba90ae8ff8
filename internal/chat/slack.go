package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-steward/internal/otel"
)

const defaultSlackAPI = "https://slack.com/api/"

// Slack is a Client over the Slack Web API.
type Slack struct {
	api    *slack.Client
	logger *slog.Logger
	tracer trace.Tracer
}

type SlackConfig struct {
	Token      string
	APIBase    string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

func NewSlack(cfg SlackConfig) *Slack {
	base := strings.TrimRight(cfg.APIBase, "/") + "/"
	if base == "/" {
		base = defaultSlackAPI
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := slack.New(cfg.Token, slack.OptionAPIURL(base), slack.OptionHTTPClient(client))
	return &Slack{api: api, logger: logger, tracer: cfg.Tracer}
}

// IsAPIError reports whether err is a Slack error response with the given code.
func IsAPIError(err error, code string) bool {
	var resp slack.SlackErrorResponse
	return errors.As(err, &resp) && resp.Err == code
}

func (s *Slack) PostMessage(ctx context.Context, msg Message) (ts string, err error) {
	ctx, span := otel.StartClientSpan(ctx, s.tracer, "chat.chat.postMessage")
	defer func() { otel.EndSpan(span, err) }()

	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if msg.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadTS))
	}
	_, ts, err = s.api.PostMessageContext(ctx, msg.Channel, opts...)
	if err != nil {
		return "", s.wrap("chat.postMessage", err)
	}
	return ts, nil
}

func (s *Slack) AddReaction(ctx context.Context, r Reaction) (err error) {
	ctx, span := otel.StartClientSpan(ctx, s.tracer, "chat.reactions.add")
	defer func() { otel.EndSpan(span, err) }()

	err = s.api.AddReactionContext(ctx, r.Name, slack.NewRefToMessage(r.Channel, r.TS))
	if IsAPIError(err, "already_reacted") {
		return nil
	}
	if err != nil {
		return s.wrap("reactions.add", err)
	}
	return nil
}

func (s *Slack) FetchThreadReplies(ctx context.Context, channel, ts string) (all []Reply, err error) {
	ctx, span := otel.StartClientSpan(ctx, s.tracer, "chat.conversations.replies")
	defer func() { otel.EndSpan(span, err) }()

	params := &slack.GetConversationRepliesParameters{ChannelID: channel, Timestamp: ts, Limit: 200}
	for {
		msgs, _, next, err := s.api.GetConversationRepliesContext(ctx, params)
		if err != nil {
			return nil, s.wrap("conversations.replies", err)
		}
		for _, m := range msgs {
			all = append(all, Reply{TS: m.Timestamp, User: m.User, BotID: m.BotID, Text: m.Text})
		}
		if next == "" {
			return all, nil
		}
		params.Cursor = next
	}
}

func (s *Slack) wrap(method string, err error) error {
	var (
		limited *slack.RateLimitedError
		resp    slack.SlackErrorResponse
	)
	switch {
	case errors.As(err, &limited):
		s.logger.Warn("slack rate limited", "method", method, "retry_after", limited.RetryAfter)
	case errors.As(err, &resp):
		s.logger.Warn("slack api error", "method", method, "code", resp.Err)
	}
	return fmt.Errorf("slack %s: %w", method, err)
}
