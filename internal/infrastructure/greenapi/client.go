package greenapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hub-otp/internal/domain"
	"github.com/hub-otp/internal/pkg/httpjson"
	"github.com/hub-otp/internal/pkg/phone"
)

// Channel sends WhatsApp text messages through a Green API instance.
type Channel struct {
	base       string
	instanceID string
	token      string
	http       *http.Client
}

type sendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

type sendMessageResponse struct {
	IDMessage string `json:"idMessage"`
}

func New(base, instanceID, token string, timeout time.Duration) (*Channel, error) {
	if instanceID == "" || token == "" {
		return nil, domain.ConfigError("green api instance id and token are required")
	}
	if base == "" {
		base = "https://api.green-api.com"
	}
	return &Channel{
		base:       strings.TrimRight(base, "/"),
		instanceID: instanceID,
		token:      token,
		http:       &http.Client{Timeout: timeout},
	}, nil
}

func (c *Channel) Name() string { return "whatsapp" }

// Send delivers message to the WhatsApp chat of identity (9665XXXXXXXX).
func (c *Channel) Send(ctx context.Context, identity, message string) (domain.Receipt, error) {
	url := fmt.Sprintf("%s/waInstance%s/sendMessage/%s", c.base, c.instanceID, c.token)
	var out sendMessageResponse
	err := httpjson.Post(ctx, c.http, url, sendMessageRequest{
		ChatID:  phone.ChatID(identity),
		Message: message,
	}, &out)
	if err != nil {
		return domain.Receipt{}, c.redact(err)
	}
	return domain.Receipt{ProviderMessageID: out.IDMessage}, nil
}

// redact strips the API token, which is part of the URL, from transport errors.
func (c *Channel) redact(err error) error {
	var se *httpjson.StatusError
	if errors.As(err, &se) {
		return fmt.Errorf("green api: %w", err)
	}
	return fmt.Errorf("green api: %s", strings.ReplaceAll(err.Error(), c.token, "***"))
}
