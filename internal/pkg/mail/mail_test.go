package mail

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		cents    int64
		currency string
		want     string
	}{
		{1999, "eur", "19.99 EUR"},
		{5, "usd", "0.05 USD"},
		{0, "eur", "0.00 EUR"},
		{-250, "eur", "-2.50 EUR"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatAmount(tt.cents, tt.currency))
	}
}

func TestRenderReceipt(t *testing.T) {
	body, err := RenderReceipt(Receipt{Email: "a@example.com", PaymentIntentID: "pi_<x>", AmountCents: 1200, Currency: "eur"})
	require.NoError(t, err)
	assert.Contains(t, body, "12.00 EUR")
	assert.Contains(t, body, "pi_&lt;x&gt;")
}

func TestSMTPMailerSend(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	m := &SMTPMailer{Host: "mail.local", Port: "2525", Sender: "billing@propdocs.test"}
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		assert.Nil(t, a)
		return nil
	}

	require.NoError(t, m.Send(context.Background(), "u@example.com", "Hi", "<p>x</p>"))
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, "billing@propdocs.test", gotFrom)
	assert.Equal(t, []string{"u@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Hi\r\n")
	assert.Contains(t, string(gotMsg), "Content-Type: text/html")
}

func TestSMTPMailerErrors(t *testing.T) {
	m := &SMTPMailer{}
	assert.Error(t, m.Send(context.Background(), "u@example.com", "s", "b"))

	m = &SMTPMailer{Host: "h", Port: "25", Sender: "s@x"}
	m.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	assert.EqualError(t, m.Send(context.Background(), "u@example.com", "s", "b"), "refused")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Send(ctx, "u@example.com", "s", "b"), context.Canceled)
}
