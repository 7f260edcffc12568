package unifi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiscan/unifi-scanner/internal/utils"
)

func fastBackoff() utils.BackoffConfig {
	return utils.BackoffConfig{Initial: time.Millisecond, Multiplier: 2, Max: 5 * time.Millisecond}
}

// testClient points a client at a plain httptest server, skipping the
// port probe.
func testClient(t *testing.T, srv *httptest.Server, maxRetries int) *Client {
	t.Helper()
	c := NewClient(Config{
		Host:       "127.0.0.1",
		Username:   "scanner",
		Password:   "secret",
		MaxRetries: maxRetries,
		Backoff:    fastBackoff(),
	})
	c.baseURL = srv.URL
	c.deviceType = DeviceTypeSelfHosted
	return c
}

func okEnvelope(data string) string {
	return fmt.Sprintf(`{"meta":{"rc":"ok"},"data":%s}`, data)
}

func TestDeviceTypeForPort(t *testing.T) {
	assert.Equal(t, DeviceTypeUDMLike, deviceTypeForPort(443))
	assert.Equal(t, DeviceTypeSelfHosted, deviceTypeForPort(8443))
	assert.Equal(t, DeviceTypeOSServer, deviceTypeForPort(11443))
	assert.Equal(t, DeviceTypeSelfHosted, deviceTypeForPort(9999))
}

func TestDetectDeviceType_ConfiguredPort(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		w.Write([]byte(`{"meta":{"rc":"ok"}}`))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	c := NewClient(Config{Host: u.Hostname(), Port: port, VerifySSL: false})
	dt, err := c.DetectDeviceType(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DeviceTypeSelfHosted, dt)
	assert.Equal(t, srv.URL, c.baseURL)
}

func TestDetectDeviceType_NothingListening(t *testing.T) {
	// A server that is already closed guarantees a connection error.
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	srv.Close()

	c := NewClient(Config{Host: u.Hostname(), Port: port, VerifySSL: false})
	_, err := c.DetectDeviceType(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(okEnvelope(`[]`)))
	}))
	defer srv.Close()

	c := testClient(t, srv, 5)
	_, err := c.do(context.Background(), http.MethodGet, "/api/s/default/stat/event")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_ExhaustsRetriesOnPersistent5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv, 3)
	_, err := c.do(context.Background(), http.MethodGet, "/api/s/default/stat/event")
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_NoRetryOnPlain4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, srv, 5)
	_, err := c.do(context.Background(), http.MethodGet, "/api/s/default/stat/event")
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_MetaRCErrorIsAPIError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"meta":{"rc":"error","msg":"api.err.NoSiteContext"},"data":[]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, 5)
	_, err := c.do(context.Background(), http.MethodGet, "/api/s/wrong/stat/event")
	require.Error(t, err)
	assert.False(t, IsAuthError(err))
	assert.Contains(t, err.Error(), "NoSiteContext")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_ReauthenticatesOnceOn401(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "unifises", Value: "fresh"})
		w.Write([]byte(okEnvelope(`[]`)))
	})
	mux.HandleFunc("/api/s/default/stat/event", func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie("unifises"); err != nil || cookie.Value != "fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(okEnvelope(`[]`)))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient(t, srv, 5)
	_, err := c.do(context.Background(), http.MethodGet, "/api/s/default/stat/event")
	require.NoError(t, err)
	assert.Equal(t, int32(1), logins.Load())
}

func TestDo_SecondUnauthorizedIsTerminal(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		w.Write([]byte(okEnvelope(`[]`)))
	})
	mux.HandleFunc("/api/s/default/stat/event", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient(t, srv, 5)
	_, err := c.do(context.Background(), http.MethodGet, "/api/s/default/stat/event")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.NotEmpty(t, Hint(err))
	assert.Equal(t, int32(1), logins.Load())
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(okEnvelope(`[]`)))
	}))
	defer srv.Close()

	c := testClient(t, srv, 5)
	start := time.Now()
	_, err := c.do(context.Background(), http.MethodGet, "/api/s/default/stat/event")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAuthenticate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/login", r.URL.Path)
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "scanner", creds["username"])
		assert.Equal(t, "secret", creds["password"])
		w.Header().Set("X-Csrf-Token", "tok123")
		w.Write([]byte(okEnvelope(`[]`)))
	}))
	defer srv.Close()

	c := testClient(t, srv, 5)
	require.NoError(t, c.Authenticate(context.Background()))
	assert.True(t, c.authed)
	assert.Equal(t, "tok123", c.csrfToken)
}

func TestAuthenticate_MFAHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":["Ubic_2fa_token required"]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, 5)
	err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Contains(t, Hint(err), "MFA")
}

func TestLoginPathsByDeviceType(t *testing.T) {
	c := &Client{}
	c.deviceType = DeviceTypeSelfHosted
	assert.Equal(t, "/api/login", c.loginPath())
	assert.Equal(t, "/api/self/sites", c.networkPath("/self/sites"))

	c.deviceType = DeviceTypeUDMLike
	assert.Equal(t, "/api/auth/login", c.loginPath())
	assert.Equal(t, "/proxy/network/api/self/sites", c.networkPath("/self/sites"))

	c.deviceType = DeviceTypeOSServer
	assert.Equal(t, "/api/auth/login", c.loginPath())
	assert.Equal(t, "/proxy/network/api/s/default/stat/event", c.networkPath("/s/default/stat/event"))
}

func TestGetEvents_SkipsMalformedRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/s/default/stat/event", r.URL.Path)
		w.Write([]byte(okEnvelope(`[
			{"_id":"e1","key":"EVT_AP_Lost_Contact","time":1767225600000,"msg":"AP lost contact","ap":"AA:BB:CC:DD:EE:FF","ap_name":"Office AP"},
			{"key":{"bad":"shape"}},
			{"_id":"e2","key":"EVT_AD_Login","time":"1767225700000","msg":"login"}
		]`)))
	}))
	defer srv.Close()

	c := testClient(t, srv, 5)
	events, err := c.GetEvents(context.Background(), "default", 24, 3000)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "EVT_AP_Lost_Contact", events[0].Key)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", events[0].DeviceMAC)
	assert.Equal(t, "Office AP", events[0].DeviceName)
	assert.Equal(t, time.UnixMilli(1767225600000).UTC(), events[0].Time)

	// String-typed epoch still decodes.
	assert.Equal(t, time.UnixMilli(1767225700000).UTC(), events[1].Time)
}

func TestGetAlarms_FiltersArchived(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/s/default/stat/alarm", r.URL.Path)
		w.Write([]byte(okEnvelope(`[
			{"_id":"a1","key":"EVT_SW_PoeOverload","time":1767225600000,"archived":false},
			{"_id":"a2","key":"EVT_SW_PoeOverload","time":1767225600000,"archived":true}
		]`)))
	}))
	defer srv.Close()

	c := testClient(t, srv, 5)
	alarms, err := c.GetAlarms(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.Equal(t, "a1", alarms[0].ID)
}
