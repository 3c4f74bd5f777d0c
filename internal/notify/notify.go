package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"alertfeed/internal/backoff"
	"alertfeed/internal/config"
	"alertfeed/internal/domain"
	"alertfeed/internal/feed"
	"alertfeed/internal/metrics"
	"alertfeed/internal/permanent"
	"alertfeed/internal/templatefmt"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

const (
	builtinTemplateName = "default"
	deliveryTimeout     = 2 * time.Minute
)

// builtinTemplates render when channel has no template named "default".
var builtinTemplates = map[string]string{
	config.NotifyChannelTelegram: "<b>{{ upper (severityLabel .Severity) }}</b> {{ html .Type }} at {{ html .Location }}\n" +
		"{{ html .Message }}\n<i>{{ fmtTime .Timestamp \"\" }}</i>",
	config.NotifyChannelHTTP: "[{{ .Type }}] {{ .Location }}: {{ .Message }}",
}

// ErrHTTPNotifyStatus reports non-2xx webhook response.
var ErrHTTPNotifyStatus = errors.New("http notify rejected")

// Notification is one rendered "new alert received" message.
// Params: alert fields, destination channel, original alert text, and rendered message.
// Returns: payload passed to senders and webhook body.
type Notification struct {
	AlertID      string        `json:"alert_id"`
	Type         string        `json:"type"`
	Location     string        `json:"location"`
	Severity     int           `json:"severity"`
	Timestamp    string        `json:"timestamp"`
	Status       domain.Status `json:"status"`
	Source       domain.Source `json:"source,omitempty"`
	Channel      string        `json:"channel"`
	AlertMessage string        `json:"alert_message"`
	Message      string        `json:"message"`
}

// NewNotification maps ledger alert into template data.
// Params: merged alert.
// Returns: notification with Message still holding alert text.
func NewNotification(alert domain.Alert) Notification {
	return Notification{
		AlertID:      alert.ID,
		Type:         alert.Type,
		Location:     alert.Location,
		Severity:     alert.Severity,
		Timestamp:    alert.Timestamp,
		Status:       alert.Status,
		Source:       alert.Source,
		AlertMessage: alert.Message,
		Message:      alert.Message,
	}
}

// SendResult returns channel-specific metadata after successful delivery.
type SendResult struct {
	MessageID int
}

// compiledTemplate holds parsed template with channel binding.
type compiledTemplate struct {
	channel string
	body    *template.Template
}

// ChannelSender sends one outbound notification to one channel.
// Params: context and notification payload.
// Returns: channel send metadata and transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, notification Notification) (SendResult, error)
}

// Dispatcher delivers new-alert notifications with configured retries/backoff.
// Params: sender list, retry policy, severity floor, and templates.
// Returns: notification fan-out for ledger arrivals.
type Dispatcher struct {
	senders      map[string]ChannelSender
	channels     []string
	retries      map[string]config.NotifyRetry
	logger       *slog.Logger
	templates    map[string]compiledTemplate
	templateErrs map[string]error
	templateName string
	minSeverity  int
}

// NewDispatcher builds notification dispatcher from enabled channels.
// Params: global notify config and optional logger.
// Returns: configured dispatcher with available senders.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	senders := make(map[string]ChannelSender)
	retries := make(map[string]config.NotifyRetry)
	for _, channel := range config.NotifyChannelNames() {
		if !config.NotifyChannelEnabled(cfg, channel) {
			continue
		}
		sender := newSenderForChannel(channel, cfg)
		if sender == nil {
			continue
		}
		senders[channel] = sender
		retries[channel] = config.NotifyChannelRetry(cfg, channel)
	}
	channels := make([]string, 0, len(senders))
	for channel := range senders {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	compiledTemplates, templateErrs := buildTemplateSet(cfg)
	templateName := strings.TrimSpace(cfg.Template)
	if templateName == "" {
		templateName = builtinTemplateName
	}
	return &Dispatcher{
		senders:      senders,
		channels:     channels,
		retries:      retries,
		logger:       logger,
		templates:    compiledTemplates,
		templateErrs: templateErrs,
		templateName: templateName,
		minSeverity:  cfg.MinSeverity,
	}
}

// newSenderForChannel builds transport sender implementation for one channel key.
func newSenderForChannel(channel string, cfg config.NotifyConfig) ChannelSender {
	switch channel {
	case config.NotifyChannelTelegram:
		return NewTelegramSender(cfg.Telegram)
	case config.NotifyChannelHTTP:
		return NewHTTPSender(cfg.HTTP)
	default:
		return nil
	}
}

// Run delivers every arrival until context is done or subscription closes.
// Params: lifecycle context and ledger arrivals subscription.
// Returns: nil; delivery errors are logged.
func (d *Dispatcher) Run(ctx context.Context, arrivals *feed.Subscription[domain.Alert]) error {
	defer arrivals.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case alert, ok := <-arrivals.C():
			if !ok {
				return nil
			}
			deliveryCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
			if err := d.Notify(deliveryCtx, alert); err != nil && d.logger != nil {
				d.logger.Warn("notify delivery failed", "id", alert.ID, "error", err.Error())
			}
			cancel()
		}
	}
}

// Notify sends alert to every channel unless it is below severity floor or a connection ack.
// Params: context and merged alert.
// Returns: joined per-channel errors.
func (d *Dispatcher) Notify(ctx context.Context, alert domain.Alert) error {
	if !d.ShouldNotify(alert) {
		return nil
	}
	var errs []error
	for _, channel := range d.channels {
		_, err := d.Send(ctx, channel, d.templateName, NewNotification(alert))
		if err != nil {
			metrics.IncNotify(channel, metrics.ResultError)
			errs = append(errs, err)
			continue
		}
		metrics.IncNotify(channel, metrics.ResultSuccess)
	}
	return errors.Join(errs...)
}

// ShouldNotify applies severity floor and skips connection acknowledgements.
func (d *Dispatcher) ShouldNotify(alert domain.Alert) bool {
	if alert.Status == domain.StatusConnected {
		return false
	}
	return alert.Severity >= d.minSeverity
}

// Send sends one notification to channel/template with retry policy.
// Params: destination channel, template name, and notification payload.
// Returns: channel metadata and final error after retries.
func (d *Dispatcher) Send(ctx context.Context, channel, templateName string, notification Notification) (SendResult, error) {
	sender, ok := d.senders[channel]
	if !ok {
		return SendResult{}, fmt.Errorf("notify channel %q is not configured", channel)
	}
	compiled, err := d.resolveTemplate(templateName, channel)
	if err != nil {
		return SendResult{}, err
	}

	renderedNotification := notification
	renderedNotification.Channel = channel
	renderedMessage, err := d.renderMessage(compiled, renderedNotification)
	if err != nil {
		return SendResult{}, err
	}
	renderedNotification.Message = renderedMessage

	return d.sendWithRetry(ctx, sender, renderedNotification, d.retries[channel])
}

// sendWithRetry sends one notification with channel-specific retry policy.
// Params: sender, payload, and retry policy for the sender channel.
// Returns: channel metadata and final error after retries; permanent errors stop early.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, notification Notification, retry config.NotifyRetry) (SendResult, error) {
	if !retry.Enabled {
		return sender.Send(ctx, notification)
	}

	policy := backoff.New(retry.Backoff, retry.InitialMS, retry.MaxMS, 0, retry.MaxAttempts)
	attempt := 0
	for {
		attempt++
		result, err := sender.Send(ctx, notification)
		if err == nil {
			if retry.LogEachAttempt && attempt > 1 && d.logger != nil {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return result, nil
		}
		if retry.LogEachAttempt && d.logger != nil {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}
		if permanent.Is(err) {
			return SendResult{}, fmt.Errorf("channel %s rejected notification: %w", sender.Channel(), err)
		}
		if policy.Exhausted(attempt) {
			return SendResult{}, fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}
		if waitErr := policy.Wait(ctx, attempt); waitErr != nil {
			return SendResult{}, waitErr
		}
	}
}

// Channels returns configured channel list.
func (d *Dispatcher) Channels() []string {
	return d.channels
}

// resolveTemplate selects compiled template by name, falling back to built-in default.
// Params: template name and destination channel.
// Returns: compiled template for rendering.
func (d *Dispatcher) resolveTemplate(templateName, channel string) (compiledTemplate, error) {
	name := strings.ToLower(strings.TrimSpace(templateName))
	if name == "" {
		return compiledTemplate{}, errors.New("notify template name is required")
	}
	key := templateKey(channel, name)
	if d.templateErrs != nil {
		if err, ok := d.templateErrs[key]; ok && err != nil {
			return compiledTemplate{}, fmt.Errorf("notify template %q is invalid: %w", templateName, err)
		}
	}
	compiled, ok := d.templates[key]
	if !ok || compiled.body == nil {
		return compiledTemplate{}, fmt.Errorf("notify template %q is not configured for channel %q", templateName, channel)
	}
	if compiled.channel != channel {
		return compiledTemplate{}, fmt.Errorf("notify template %q is bound to channel %q, not %q", templateName, compiled.channel, channel)
	}
	return compiled, nil
}

// renderMessage applies shared template processing for the channel.
func (d *Dispatcher) renderMessage(entry compiledTemplate, notification Notification) (string, error) {
	var rendered strings.Builder
	if err := entry.body.Execute(&rendered, notification); err != nil {
		return "", fmt.Errorf("render notify template for channel %q: %w", entry.channel, err)
	}
	return rendered.String(), nil
}

// buildTemplateSet compiles built-in and channel-scoped named templates.
// Params: notify config snapshot.
// Returns: compiled template lookup and parse errors by template key.
func buildTemplateSet(cfg config.NotifyConfig) (map[string]compiledTemplate, map[string]error) {
	compiled := make(map[string]compiledTemplate)
	parseErrs := make(map[string]error)
	for _, channel := range config.NotifyChannelNames() {
		if body, ok := builtinTemplates[channel]; ok {
			collectCompiledTemplates(compiled, parseErrs, channel, []config.NamedTemplateConfig{{Name: builtinTemplateName, Message: body}})
		}
		collectCompiledTemplates(compiled, parseErrs, channel, config.NotifyChannelTemplates(cfg, channel))
	}
	return compiled, parseErrs
}

// collectCompiledTemplates compiles one channel template list; later entries replace earlier ones.
func collectCompiledTemplates(
	compiled map[string]compiledTemplate,
	parseErrs map[string]error,
	channel string,
	templates []config.NamedTemplateConfig,
) {
	for _, templateConfig := range templates {
		name := strings.ToLower(strings.TrimSpace(templateConfig.Name))
		if name == "" {
			continue
		}
		key := templateKey(channel, name)
		entry, err := parseTemplate("notify."+channel+".name-template."+name+".message", templateConfig.Message)
		if err != nil {
			parseErrs[key] = err
		} else {
			delete(parseErrs, key)
		}
		compiled[key] = compiledTemplate{
			channel: channel,
			body:    entry,
		}
	}
}

// templateKey builds deterministic template lookup key by channel+template.
func templateKey(channel, name string) string {
	return strings.ToLower(strings.TrimSpace(channel)) + "/" + strings.ToLower(strings.TrimSpace(name))
}

func parseTemplate(name, body string) (*template.Template, error) {
	return templatefmt.ParseNotificationTemplate(name, body)
}

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot token, chat id, and base URL.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSender creates Telegram sender with HTTP client.
// Params: Telegram notifier config.
// Returns: initialized sender; configuration errors surface on Send as permanent.
func NewTelegramSender(cfg config.TelegramNotifier) *TelegramSender {
	sender := &TelegramSender{
		chatID: normalizeChatID(cfg.ChatID),
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = permanent.Mark(errors.New("telegram bot token is required"))
		return sender
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sender.initErr = permanent.Mark(errors.New("telegram chat_id is required"))
		return sender
	}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = permanent.Mark(fmt.Errorf("init telegram bot: %w", err))
		return sender
	}
	sender.client = botClient
	return sender
}

// Channel returns sender channel name.
func (s *TelegramSender) Channel() string {
	return config.NotifyChannelTelegram
}

// Send posts one notification message to Telegram chat.
// Params: context and notification payload.
// Returns: sent message id or transport error.
func (s *TelegramSender) Send(ctx context.Context, notification Notification) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, s.initErr
	}
	if s.client == nil {
		return SendResult{}, errors.New("telegram client is not initialized")
	}

	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      notification.Message,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, errors.New("telegram send returned empty message id")
	}
	return SendResult{MessageID: sent.ID}, nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// HTTPSender posts notification payload to configured webhook.
// Params: endpoint URL, method, timeout, and headers.
// Returns: generic HTTP sender.
type HTTPSender struct {
	cfg    config.HTTPNotifier
	client *http.Client
}

// NewHTTPSender creates generic HTTP sender.
func NewHTTPSender(cfg config.HTTPNotifier) *HTTPSender {
	return &HTTPSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// Channel returns sender channel name.
func (s *HTTPSender) Channel() string {
	return config.NotifyChannelHTTP
}

// Send delivers JSON payload to configured HTTP endpoint.
// Params: context and notification payload.
// Returns: transport error, or status error (permanent for 4xx).
func (s *HTTPSender) Send(ctx context.Context, notification Notification) (SendResult, error) {
	body, err := json.Marshal(notification)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode http notify payload: %w", err)
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, permanent.Mark(fmt.Errorf("build http notify request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("http notify send: %w", err)
	}
	defer response.Body.Close()
	if err := permanent.HTTPStatus(ErrHTTPNotifyStatus, response.StatusCode); err != nil {
		return SendResult{}, withResponseBody(err, response)
	}
	return SendResult{}, nil
}

// withResponseBody appends trimmed response body to status error.
func withResponseBody(err error, response *http.Response) error {
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4<<10))
	trimmedBody := strings.TrimSpace(string(rawBody))
	if readErr != nil || trimmedBody == "" {
		return err
	}
	wrapped := fmt.Errorf("%w body=%s", err, trimmedBody)
	if permanent.Is(err) {
		return permanent.Mark(wrapped)
	}
	return wrapped
}
