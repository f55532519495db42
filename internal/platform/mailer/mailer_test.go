package mailer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

func TestSendBuildsMessage(t *testing.T) {
	var captured *mail.Msg
	sender := newSender("orders@keymarket.vn", "KeyMarket", func(_ context.Context, msg *mail.Msg) error {
		captured = msg
		return nil
	}, zap.NewNop())

	err := sender.Send(context.Background(), Message{
		To:      "an@example.com",
		ToName:  "An",
		Subject: "Order 1001 completed",
		HTML:    "<p>keys</p>",
		Text:    "keys",
	})
	require.NoError(t, err)
	require.NotNil(t, captured)

	assert.Equal(t, []string{"Order 1001 completed"}, captured.GetGenHeader(mail.HeaderSubject))
	to := captured.GetToString()
	require.Len(t, to, 1)
	assert.True(t, strings.Contains(to[0], "an@example.com"))
}

func TestSendRejectsMissingRecipient(t *testing.T) {
	sender := newSender("orders@keymarket.vn", "KeyMarket", func(context.Context, *mail.Msg) error {
		t.Fatal("deliver must not run")
		return nil
	}, nil)
	assert.Error(t, sender.Send(context.Background(), Message{Subject: "x"}))
}

func TestSendOpensCircuitAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	sender := newSender("orders@keymarket.vn", "KeyMarket", func(context.Context, *mail.Msg) error {
		calls++
		return errors.New("connection refused")
	}, zap.NewNop())

	msg := Message{To: "an@example.com", Subject: "s", Text: "t"}
	for i := 0; i < 5; i++ {
		err := sender.Send(context.Background(), msg)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	err := sender.Send(context.Background(), msg)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 5, calls)
}

func TestLogSenderNeverFails(t *testing.T) {
	assert.NoError(t, LogSender{Logger: zap.NewNop()}.Send(context.Background(), Message{To: "a@b.c"}))
}
