package dispatch

import (
	"context"
	"errors"
	"testing"

	"background-tasks/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeResolvesHandler(t *testing.T) {
	r := NewRegistry()
	var got models.Params
	r.Register("mailer", "send", func(ctx context.Context, params models.Params) error {
		got = params
		return nil
	})

	err := r.Invoke(context.Background(), "mailer", "send", models.Params{"to": "a@b.com"})
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", got["to"])
}

func TestInvokeUnknownTarget(t *testing.T) {
	r := NewRegistry()
	r.Register("mailer", "send", func(context.Context, models.Params) error { return nil })

	for _, tc := range []struct{ service, method string }{
		{"mailer", "missing"},
		{"missing", "send"},
	} {
		err := r.Invoke(context.Background(), tc.service, tc.method, nil)
		var execErr *ExecutionError
		require.True(t, errors.As(err, &execErr), "%s.%s", tc.service, tc.method)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, tc.service, execErr.Service)
	}
}

func TestInvokeKeepsHandlerMessage(t *testing.T) {
	r := NewRegistry()
	r.Register("svc", "m", func(context.Context, models.Params) error {
		return errors.New("boom")
	})

	err := r.Invoke(context.Background(), "svc", "m", nil)
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
}

func TestInvokeRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Register("svc", "m", func(context.Context, models.Params) error {
		panic("kaboom")
	})

	err := r.Invoke(context.Background(), "svc", "m", nil)
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "panic: kaboom", err.Error())
}

func TestRegisterServiceAndNames(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, models.Params) error { return nil }
	r.RegisterService("reports", map[string]HandlerFunc{"daily": noop, "weekly": noop})
	r.Register("mailer", "send", noop)

	assert.Equal(t, []string{"mailer.send", "reports.daily", "reports.weekly"}, r.Names())
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		service string
		method  string
		wantErr bool
	}{
		{in: "mailer.send", service: "mailer", method: "send"},
		{in: "app.reports.daily", service: "app.reports", method: "daily"},
		{in: "mailer", wantErr: true},
		{in: ".send", wantErr: true},
		{in: "mailer.", wantErr: true},
	}

	for _, tt := range tests {
		service, method, err := ParseTarget(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.service, service)
		assert.Equal(t, tt.method, method)
	}
}
