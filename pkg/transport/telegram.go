package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/carelink-health/carelink/pkg/common/config"
	"github.com/carelink-health/carelink/pkg/common/logger"
	"github.com/carelink-health/carelink/pkg/i18n"
	"github.com/carelink-health/carelink/pkg/roster"
)

const confirmCallback = "confirm"

// Telegram talks to the Bot API directly: sendMessage for outbound,
// long-polling getUpdates for inbound.
type Telegram struct {
	baseURL     string
	token       string
	client      *http.Client
	roster      *roster.Roster
	sendTimeout time.Duration
	pollTimeout time.Duration
	offset      int64
}

func NewTelegram(cfg *config.Config, r *roster.Roster) *Telegram {
	return &Telegram{
		baseURL: cfg.TelegramBaseURL,
		token:   cfg.TelegramToken,
		client: &http.Client{
			// Long poll holds the connection open for PollTimeout; leave slack.
			Timeout: cfg.PollTimeout + 15*time.Second,
		},
		roster:      r,
		sendTimeout: cfg.SendTimeout,
		pollTimeout: cfg.PollTimeout,
	}
}

func (t *Telegram) SendToPatient(ctx context.Context, patientID int64, text string, withConfirmKey bool) error {
	p, ok := t.roster.Patient(patientID)
	if !ok {
		return fmt.Errorf("%w: %d", roster.ErrUnknownPatient, patientID)
	}
	payload := map[string]interface{}{
		"chat_id": p.ChatID,
		"text":    text,
	}
	if withConfirmKey {
		payload["reply_markup"] = map[string]interface{}{
			"inline_keyboard": [][]map[string]string{{
				{"text": i18n.T("btn_confirm"), "callback_data": confirmCallback},
			}},
		}
	}
	return t.call(ctx, "sendMessage", payload, nil)
}

func (t *Telegram) SendToCaregiver(ctx context.Context, caregiverChatID int64, text string) error {
	return t.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id": caregiverChatID,
		"text":    text,
	}, nil)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// call bounds the request with the send timeout; getUpdates must not go
// through here, its server-side hold is far longer than any send.
func (t *Telegram) call(ctx context.Context, method string, payload interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, t.sendTimeout)
	defer cancel()
	return t.do(ctx, method, payload, out)
}

func (t *Telegram) do(ctx context.Context, method string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSend, method, err)
	}
	defer resp.Body.Close()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSend, method, err)
	}
	if !api.OK {
		return fmt.Errorf("%w: %s: %s", ErrSend, method, api.Description)
	}
	if out != nil {
		return json.Unmarshal(api.Result, out)
	}
	return nil
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		From *struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Date int64  `json:"date"`
		Text string `json:"text"`
	} `json:"message"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Message *struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
		Data string `json:"data"`
	} `json:"callback_query"`
}

// Poll runs the long-poll loop until the context is done, feeding patient
// events to the handler. Non-patient senders are dropped here: the core only
// ever sees messages that originate from a known patient in their own chat.
func (t *Telegram) Poll(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var updates []update
		// getUpdates holds its own server-side timeout; bound the whole call.
		callCtx, cancel := context.WithTimeout(ctx, t.pollTimeout+10*time.Second)
		err := t.do(callCtx, "getUpdates", map[string]interface{}{
			"offset":          t.offset,
			"timeout":         int(t.pollTimeout.Seconds()),
			"allowed_updates": []string{"message", "callback_query"},
		}, &updates)
		cancel()
		if err != nil {
			logger.Log.WithError(err).Warn("getUpdates failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.dispatch(ctx, u, handler)
		}
	}
}

func (t *Telegram) dispatch(ctx context.Context, u update, handler Handler) {
	if u.CallbackQuery != nil {
		cq := u.CallbackQuery
		// Acknowledge the tap regardless of outcome so the client spinner stops.
		if err := t.call(ctx, "answerCallbackQuery", map[string]interface{}{"callback_query_id": cq.ID}, nil); err != nil {
			logger.Log.WithError(err).Debug("answerCallbackQuery failed")
		}
		if cq.Data != confirmCallback || cq.Message == nil {
			return
		}
		p, ok := t.roster.PatientByChat(cq.Message.Chat.ID)
		if !ok || p.PatientID != cq.From.ID {
			return
		}
		handler.HandleConfirmTap(ctx, p.PatientID)
		return
	}

	if u.Message == nil || u.Message.From == nil || u.Message.Text == "" {
		return
	}
	p, ok := t.roster.PatientByChat(u.Message.Chat.ID)
	if !ok || p.PatientID != u.Message.From.ID {
		return
	}
	handler.HandleMessage(ctx, Inbound{
		PatientID: p.PatientID,
		ChatID:    u.Message.Chat.ID,
		Text:      u.Message.Text,
		SentAt:    time.Unix(u.Message.Date, 0).UTC(),
	})
}
