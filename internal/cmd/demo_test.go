package cmd

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"go-agent-network/internal/blackboard"
	"go-agent-network/internal/config"
	"go-agent-network/internal/core"
	"go-agent-network/internal/eventbus"
	"go-agent-network/internal/gateway"
	"go-agent-network/internal/network"
)

func nextOn(t *testing.T, sub eventbus.Subscription, name string) core.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		env, err := sub.Next(ctx)
		require.NoError(t, err)
		if env.Name == name {
			return env
		}
	}
}

func TestDemoForecastRemembersContext(t *testing.T) {
	n, err := DemoNetwork(false)
	require.NoError(t, err)
	r, err := n.Run(context.Background(), network.WithState(blackboard.NewMemoryStore()))
	require.NoError(t, err)
	defer r.Close()
	sub, err := r.Plane().Subscribe(context.Background(), ChannelClient)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, ChannelMain, core.Envelope{Name: EventWeatherSet, Meta: core.Meta{RunID: "r1", ContextID: "c1"}, Payload: weatherSet{Temp: 30, City: "Lyon"}}))
	var got forecast
	require.NoError(t, nextOn(t, sub, EventForecastCreated).Decode(&got))
	require.Equal(t, forecast{City: "Lyon", Temp: 30, Outlook: "hot"}, got)

	require.NoError(t, r.Publish(ctx, ChannelMain, core.Envelope{Name: EventWeatherSet, Meta: core.Meta{RunID: "r2", ContextID: "c1"}, Payload: weatherSet{Temp: 10}}))
	got = forecast{}
	require.NoError(t, nextOn(t, sub, EventForecastCreated).Decode(&got))
	require.Equal(t, "mild", got.Outlook)
	require.Equal(t, 30.0, got.Previous)
}

func TestDemoSpawnsEcho(t *testing.T) {
	n, err := DemoNetwork(false)
	require.NoError(t, err)
	r, err := n.Run(context.Background())
	require.NoError(t, err)
	defer r.Close()
	sub, err := r.Plane().Subscribe(context.Background(), ChannelClient)
	require.NoError(t, err)

	ctx := context.Background()
	require.Len(t, r.Registrations(), 3)
	spawn := core.Envelope{Name: EventAgentSpawn, Payload: map[string]any{"kind": "echo", "params": map[string]string{"prefix": "> "}}}
	require.NoError(t, r.Publish(ctx, ChannelMain, spawn))
	require.Eventually(t, func() bool { return len(r.Registrations()) == 4 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Publish(ctx, ChannelMain, core.Envelope{Name: EventEchoRequest, Payload: "hi"}))
	var reply string
	require.NoError(t, nextOn(t, sub, EventEchoReply).Decode(&reply))
	require.Equal(t, "> hi", reply)
}

func TestOutlook(t *testing.T) {
	require.Equal(t, "hot", outlook(25))
	require.Equal(t, "cold", outlook(5))
	require.Equal(t, "mild", outlook(12))
}

func streamFirst(t *testing.T, h http.Handler, body string, header http.Header) (*http.Response, string, core.Envelope) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/stream", strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		return resp, "", core.Envelope{}
	}
	name, env, err := gateway.ReadFrame(bufio.NewReader(resp.Body))
	require.NoError(t, err)
	return resp, name, env
}

func TestServerEphemeral(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Token = "s3cret"
	srv, err := NewServer(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer srv.Close()

	resp, _, _ := streamFirst(t, srv.Handler, `{"temp":3}`, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, name, env := streamFirst(t, srv.Handler, `{"temp":3}`, http.Header{"Authorization": {"Bearer s3cret"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, EventForecastCreated, name)
	var got forecast
	require.NoError(t, env.Decode(&got))
	require.Equal(t, "cold", got.Outlook)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerSharedWithRedis(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Gateway.Mode = "shared"
	cfg.Gateway.Heartbeat = 0
	cfg.Redis.Addr = s.Addr()
	srv, err := NewServer(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer srv.Close()

	resp, name, env := streamFirst(t, srv.Handler, `{"temp":18}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, EventForecastCreated, name)
	require.Equal(t, resp.Header.Get("X-Run-Id"), env.Meta.RunID)

	ctxID := resp.Header.Get("X-Context-Id")
	require.Eventually(t, func() bool {
		return s.Exists(blackboard.ContextKey(ctxID, "last-temp"))
	}, time.Second, 10*time.Millisecond)
}

func TestServerRejectsUnknownGatewayChannel(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Channels = []string{"nowhere"}
	_, err := NewServer(context.Background(), cfg, nil)
	require.ErrorIs(t, err, core.ErrUnknownChannel)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	root := NewRootCmd(viper.New())
	root.SetArgs([]string{"serve", "--mode", "pooled"})
	root.SetOut(&strings.Builder{})
	root.SetErr(&strings.Builder{})
	err := root.Execute()
	require.ErrorContains(t, err, "gateway.mode")
}
