package app

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sspdesk/internal/config"
	"sspdesk/internal/infrastructure"
	"sspdesk/internal/license"
	"sspdesk/internal/packaged"
	"sspdesk/internal/security"
	ws "sspdesk/internal/websocket"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Paths.DataDir = "/data"
	cfg.Remote.Mode = "none"
	cfg.Security.RateLimit.Enabled = false
	return &cfg
}

func newTestApp(t *testing.T, cfg *config.Config, fs afero.Fs) *Application {
	t.Helper()
	logger := infrastructure.NewLoggerWithWriter(io.Discard, "debug")
	a, err := New(context.Background(), cfg, logger, WithFs(fs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func getStatus(t *testing.T, h http.Handler) license.Status {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/license/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st license.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func TestNew(t *testing.T) {
	a := newTestApp(t, testConfig(), afero.NewMemMapFs())

	assert.NotNil(t, a.Manager)
	assert.NotNil(t, a.Hub)
	assert.Equal(t, "127.0.0.1:0", a.Server.Addr)

	st := getStatus(t, a.Router)
	assert.False(t, st.Valid)
	assert.Equal(t, license.ReasonAbsent, st.Validity)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"health", "/healthz", http.StatusOK},
		{"metrics", "/metrics", http.StatusOK},
		{"unknown route", "/api/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestNew_RejectsBadPackagedKey(t *testing.T) {
	cfg := testConfig()
	cfg.Packaged.Enabled = true
	cfg.Packaged.AESKeyHex = strings.Repeat("ab", 32)
	cfg.Packaged.PublicKeyFile = "missing.pem"

	logger := infrastructure.NewLoggerWithWriter(io.Discard, "error")
	_, err := New(context.Background(), cfg, logger, WithFs(afero.NewMemMapFs()))
	assert.Error(t, err)
}

func TestNew_InstallsDeveloperCredential(t *testing.T) {
	cfg := testConfig()
	hash, err := security.HashCredential("let-me-in")
	require.NoError(t, err)
	cfg.License.DeveloperPasswordHash = hash

	a := newTestApp(t, cfg, afero.NewMemMapFs())

	body := strings.NewReader(`{"password":"let-me-in"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/license/developer/login", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	st := getStatus(t, a.Router)
	assert.Equal(t, license.TierDeveloper, st.Tier)
	assert.True(t, st.Valid)
}

func TestBootstrap(t *testing.T) {
	t.Run("provisions trial", func(t *testing.T) {
		a := newTestApp(t, testConfig(), afero.NewMemMapFs())
		a.bootstrap(context.Background())

		st := getStatus(t, a.Router)
		assert.Equal(t, license.TierTrial, st.Tier)
		assert.True(t, st.Valid)
		assert.Equal(t, license.SourceLocalTrial, st.Source)
	})

	t.Run("seeds packaged metadata", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		cfg := testConfig()

		privPEM, pubPEM, err := packaged.GenerateKeyPair(2048)
		require.NoError(t, err)
		priv, err := packaged.ParsePrivateKey(privPEM)
		require.NoError(t, err)
		aesKey, err := security.GenerateAESKey()
		require.NoError(t, err)

		limit := 25
		blob, err := packaged.Seal(packaged.Metadata{Tier: "enterprise", ProjectsLimit: &limit}, aesKey, priv, packaged.SealOptions{DetachedSig: true})
		require.NoError(t, err)

		files := packaged.Files{Blob: cfg.Packaged.BlobFile, Checksum: cfg.Packaged.ChecksumFile, Signature: cfg.Packaged.SignatureFile}
		require.NoError(t, packaged.WriteBlob(fs, cfg.Paths.DataDir, files, blob))
		require.NoError(t, afero.WriteFile(fs, "/data/public.pem", pubPEM, 0o644))

		cfg.Packaged.Enabled = true
		cfg.Packaged.AESKeyHex = hex.EncodeToString(aesKey)
		cfg.Packaged.PublicKeyFile = "public.pem"

		a := newTestApp(t, cfg, fs)
		require.NotNil(t, a.blob)
		a.bootstrap(context.Background())

		st := getStatus(t, a.Router)
		assert.Equal(t, license.TierEnterprise, st.Tier)
		assert.Equal(t, license.SourcePackaged, st.Source)
		assert.Equal(t, 25, st.ProjectsLimit)
	})

	t.Run("missing blob leaves trial", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		cfg := testConfig()
		_, pubPEM, err := packaged.GenerateKeyPair(2048)
		require.NoError(t, err)
		require.NoError(t, afero.WriteFile(fs, "/data/public.pem", pubPEM, 0o644))
		cfg.Packaged.Enabled = true
		cfg.Packaged.AESKeyHex = strings.Repeat("0f", 32)
		cfg.Packaged.PublicKeyFile = "public.pem"

		a := newTestApp(t, cfg, fs)
		assert.Nil(t, a.blob)
		a.bootstrap(context.Background())
		assert.Equal(t, license.TierTrial, getStatus(t, a.Router).Tier)
	})
}

func TestRun(t *testing.T) {
	a := newTestApp(t, testConfig(), afero.NewMemMapFs())
	addr, err := a.Listen()
	require.NoError(t, err)
	base := "http://" + addr.String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// bootstrap provisions the trial in the background
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/license/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st license.Status
		return json.NewDecoder(resp.Body).Decode(&st) == nil && st.Valid
	}, 5*time.Second, 20*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr.String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	var greeting ws.Message
	require.NoError(t, conn.ReadJSON(&greeting))
	assert.Equal(t, ws.TypeConnection, greeting.Type)

	changed := make(chan ws.Message, 1)
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg ws.Message
		if conn.ReadJSON(&msg) == nil {
			changed <- msg
		}
	}()

	// rewrite the record until the watcher reports it
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	var msg ws.Message
wait:
	for {
		select {
		case msg = <-changed:
			break wait
		case <-ticker.C:
			resp, err := http.Post(base+"/api/license/return-to-trial", "application/json", nil)
			require.NoError(t, err)
			resp.Body.Close()
		case <-deadline:
			t.Fatal("no license_changed message")
		}
	}
	assert.Equal(t, ws.TypeLicenseChanged, msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, "trial", data["effective_tier"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, err = http.Get(base + "/healthz")
	assert.Error(t, err, "server stopped")
}
