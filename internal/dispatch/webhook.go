package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"actionqueue/internal/config"
	"actionqueue/internal/domain"
)

// Webhook is a generic collaborator reached over HTTP. Execute posts the
// draft payload; Rollback posts the captured rollback data.
type Webhook struct {
	URL         string
	RollbackURL string
	Secret      string
	Client      *http.Client
}

func NewWebhook(cfg config.WebhookConfig, client *http.Client) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	return &Webhook{URL: cfg.URL, RollbackURL: cfg.RollbackURL, Secret: cfg.Secret, Client: client}
}

type webhookRequest struct {
	ActionID     string         `json:"action_id"`
	Kind         string         `json:"kind"`
	Target       string         `json:"target"`
	Attempt      int            `json:"attempt"`
	Payload      map[string]any `json:"payload,omitempty"`
	RollbackData map[string]any `json:"rollback_data,omitempty"`
}

type webhookResponse struct {
	Result       map[string]any `json:"result"`
	RollbackData map[string]any `json:"rollback_data"`
	Error        string         `json:"error"`
	Effect       domain.Effect  `json:"effect"`
}

func (w *Webhook) Execute(ctx context.Context, a domain.Action) (Result, error) {
	res, err := w.post(ctx, w.URL, "execute", webhookRequest{
		ActionID: a.ID,
		Kind:     a.Kind,
		Target:   a.Target,
		Attempt:  a.DispatchAttempts,
		Payload:  a.DraftPayload,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Output: res.Result, RollbackData: res.RollbackData}, nil
}

func (w *Webhook) Rollback(ctx context.Context, a domain.Action, data map[string]any) error {
	if strings.TrimSpace(w.RollbackURL) == "" {
		return errors.New("webhook has no rollback_url")
	}
	_, err := w.post(ctx, w.RollbackURL, "rollback", webhookRequest{
		ActionID:     a.ID,
		Kind:         a.Kind,
		Target:       a.Target,
		Attempt:      a.DispatchAttempts,
		RollbackData: data,
	})
	return err
}

func (w *Webhook) post(ctx context.Context, url, op string, body webhookRequest) (webhookResponse, error) {
	var out webhookResponse
	data, err := json.Marshal(body)
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actionqueue-Operation", op)
	req.Header.Set("X-Actionqueue-Kind", body.Kind)
	req.Header.Set("X-Actionqueue-Delivery", body.ActionID+"/"+strconv.Itoa(body.Attempt))
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Actionqueue-Secret", w.Secret)
	}
	res, err := w.Client.Do(req)
	if err != nil {
		return out, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil && res.StatusCode >= 200 && res.StatusCode < 300 {
		// The collaborator accepted the call; its reply is lost. The cause is
		// not wrapped so a deadline here is never retried.
		return out, Ambiguous(fmt.Errorf("read %s response: %v", op, err))
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && res.StatusCode < 300 {
			return out, fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return out, nil
	}
	msg := strings.TrimSpace(out.Error)
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	cause := fmt.Errorf("%s: status %d: %s", op, res.StatusCode, msg)
	switch {
	case out.Effect == domain.EffectPartial:
		return out, Partial(cause, out.RollbackData)
	case out.Effect == domain.EffectAmbiguous:
		return out, Ambiguous(cause)
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return out, Transient(cause)
	}
	return out, cause
}
