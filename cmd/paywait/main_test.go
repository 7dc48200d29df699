package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-payment-reconciliation/internal/orders"
	"github.com/imrishuroy/go-payment-reconciliation/internal/poll"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(poll.Outcome{Status: orders.StatusPaid}))
	assert.Equal(t, 2, exitCode(poll.Outcome{Status: orders.StatusFailed}))
	assert.Equal(t, 2, exitCode(poll.Outcome{Status: orders.StatusCancelled}))
	assert.Equal(t, 3, exitCode(poll.Outcome{Status: orders.StatusPending, TimedOut: true}))
}

func TestRootCmd_WaitsForPaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"order_id":"o-1","status":"paid","version":3,"updated_at":"2026-03-01T12:00:00Z"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"o-1", "--api", srv.URL, "--interval", "10ms", "--timeout", "1s", "--json"})
	require.NoError(t, cmd.Execute())

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "paid", got["status"])
	assert.Equal(t, false, got["processing"])
	assert.Equal(t, 0, exitStatus)
}

func TestRootCmd_RejectsBadFlags(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"o-1", "--api", "http://localhost:1", "--interval", "5s", "--timeout", "1s"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid flags")
}
