package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbiteos/joule/internal/tenant"
	"github.com/orbiteos/joule/internal/testutil"
)

func TestMatchSeries(t *testing.T) {
	for _, tc := range []struct {
		pattern string
		key     string
		want    bool
	}{
		{"", "PV001.power", true},
		{"*", "PV001.power", true},
		{"PV001.power", "PV001.power", true},
		{"PV001.power", "PV001.energy", false},
		{"PV001.*", "PV001.power", true},
		{"PV001.*", "PV001.energy", true},
		{"PV001.*", "PV002.power", false},
		{"PV001.*", "PV001", false},
	} {
		if got := matchSeries(tc.pattern, tc.key); got != tc.want {
			t.Errorf("matchSeries(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

// dialStream opens a WebSocket to the test server's stream endpoint.
func dialStream(t *testing.T, env *testEnv, path string, hdr http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial %s: %v (resp %+v)", path, err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscriber(t *testing.T, env *testEnv, n int) {
	t.Helper()
	err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return env.srv.hub.Stats().Clients == n
	})
	if err != nil {
		t.Fatalf("subscriber count never reached %d", n)
	}
}

func TestStreamLiveDelivery(t *testing.T) {
	env := newTestEnv(t, defaultTokens())
	env.clk.Set(base + 10*minMs)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+acmeToken)
	hdr.Set(tenant.HeaderTenantID, "acme")
	conn := dialStream(t, env, "/api/v1/stream?series=PV001.*", hdr)
	waitForSubscriber(t, env, 1)

	// One matching and one filtered point in the same batch.
	env.ingest(acmeToken, "acme",
		pp("PV001.power", base+1*minMs, 1500),
		pp("PV002.power", base+1*minMs, 700),
	)
	// Another tenant's points must never reach this subscriber.
	env.ingest(adminToken, "globex", pp("PV001.power", base+1*minMs, 10))
	// A later matching batch; receiving it right after the first frame
	// proves the globex batch was skipped, since frames are ordered.
	env.ingest(acmeToken, "acme", pp("PV001.power", base+2*minMs, 1700))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame streamFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if frame.Type != "points" {
		t.Fatalf("frame type = %q, want points", frame.Type)
	}
	if len(frame.Points) != 1 || frame.Points[0].SeriesKey != "PV001.power" || frame.Points[0].Value != 1500 {
		t.Fatalf("first frame = %+v", frame.Points)
	}

	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read second frame: %v", err)
	}
	if len(frame.Points) != 1 || frame.Points[0].Value != 1700 {
		t.Fatalf("second frame = %+v", frame.Points)
	}
}

func TestStreamReplay(t *testing.T) {
	env := newTestEnv(t, defaultTokens())
	env.clk.Set(base + 10*minMs)

	env.ingest(acmeToken, "acme",
		pp("PV001.power", base+1*minMs, 1500),
		pp("PV001.power", base+2*minMs, 1600),
	)

	// Browser clients cannot set headers on a WebSocket; the token query
	// parameter is the supported fallback.
	hdr := http.Header{}
	hdr.Set(tenant.HeaderTenantID, "acme")
	conn := dialStream(t, env, "/api/v1/stream?replay=15m&token="+acmeToken, hdr)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame streamFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read replay frame: %v", err)
	}
	if frame.Type != "replay" {
		t.Fatalf("frame type = %q, want replay", frame.Type)
	}
	if len(frame.Points) != 2 {
		t.Fatalf("replay points = %+v, want 2", frame.Points)
	}
	if frame.Points[0].Value != 1500 || frame.Points[1].Value != 1600 {
		t.Errorf("replay order = %v, %v, want oldest first", frame.Points[0].Value, frame.Points[1].Value)
	}
}

func TestStreamRejectsOutOfScopeTenant(t *testing.T) {
	env := newTestEnv(t, defaultTokens())

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/v1/stream"
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+acmeToken)
	hdr.Set(tenant.HeaderTenantID, "globex")

	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err == nil {
		conn.Close()
		t.Fatal("dial succeeded for out-of-scope tenant")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("upgrade response = %+v, want 403", resp)
	}
}

func TestStreamRejectsBadParameters(t *testing.T) {
	env := newTestEnv(t, defaultTokens())

	for _, tc := range []struct {
		name string
		path string
	}{
		{"bad replay", "/api/v1/stream?replay=banana"},
		{"negative replay", "/api/v1/stream?replay=-5m"},
		{"bad pattern", "/api/v1/stream?series=a*b*"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			url := "ws" + strings.TrimPrefix(env.http.URL, "http") + tc.path
			hdr := http.Header{}
			hdr.Set("Authorization", "Bearer "+acmeToken)
			hdr.Set(tenant.HeaderTenantID, "acme")

			conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
			if err == nil {
				conn.Close()
				t.Fatal("dial succeeded with bad parameters")
			}
			if resp == nil || resp.StatusCode != http.StatusBadRequest {
				t.Errorf("upgrade response = %+v, want 400", resp)
			}
		})
	}
}
