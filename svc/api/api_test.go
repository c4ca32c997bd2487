package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"cinder/cfg"
	"cinder/svc/crypt"
	"cinder/svc/db"
	"cinder/svc/render"
	"cinder/svc/svc"
	"cinder/svc/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mod func(*cfg.Cfg)) *Server {
	t.Helper()
	c := &cfg.Cfg{
		Port:           "0",
		Environment:    "test",
		Title:          "cinder",
		StoreBackend:   cfg.BackendMemory,
		MaxPasteSize:   4096,
		ContextTimeout: 5 * time.Second,
		AllowedOrigins: []string{"https://allowed.example"},
	}
	if mod != nil {
		mod(c)
	}
	deriver, err := crypt.NewDeriver(crypt.Params{Memory: 64, Iterations: 1, Parallelism: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, deriver.Start(2))
	t.Cleanup(deriver.Stop)
	tokens, err := util.NewDeletionTokens([]byte("0123456789abcdefghijklmnopqrstuvwxyzABCD"), time.Hour)
	require.NoError(t, err)
	tokens.Floor = 0

	store := db.NewMemory()
	p := svc.NewPaste(svc.Deps{
		Store:        store,
		IDs:          util.Base62{},
		Deriver:      deriver,
		Tokens:       tokens,
		Renderer:     render.NewMarkdown(),
		MaxPasteSize: int(c.MaxPasteSize),
	})
	return NewServer(c, p, store)
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func createJSON(t *testing.T, s *Server, body string) CreateResp {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/pastes", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := do(s, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp CreateResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func errBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var m map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m["error"]
}

func TestCreateAndView(t *testing.T) {
	s := newTestServer(t, nil)
	resp := createJSON(t, s, `{"content":"<script>x</script>","extension":"go"}`)
	assert.Equal(t, "/"+resp.ID, resp.URL)
	assert.NotEmpty(t, resp.DeletionToken)
	assert.Nil(t, resp.ExpiresAt)
	assert.False(t, resp.BurnAfterReading)

	rec := do(s, httptest.NewRequest(http.MethodGet, "/"+resp.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "&lt;script&gt;")
	assert.NotContains(t, rec.Body.String(), "<script>x")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get(util.RequestIDHeader))
}

func TestViewExtensionOverride(t *testing.T) {
	s := newTestServer(t, nil)
	resp := createJSON(t, s, `{"content":"# Heading","extension":"txt"}`)

	rec := do(s, httptest.NewRequest(http.MethodGet, "/"+resp.ID+".md", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<h1>Heading</h1>")

	rec = do(s, httptest.NewRequest(http.MethodGet, "/"+resp.ID, nil))
	assert.NotContains(t, rec.Body.String(), "<h1>")
}

func TestExpiresField(t *testing.T) {
	s := newTestServer(t, nil)
	resp := createJSON(t, s, `{"content":"x","expires":3600}`)
	require.NotNil(t, resp.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *resp.ExpiresAt, time.Minute)

	resp = createJSON(t, s, `{"content":"x","expires":"60"}`)
	require.NotNil(t, resp.ExpiresAt)

	for _, bad := range []string{`"soon"`, `-5`, `"1.5"`, `1e3`} {
		req := httptest.NewRequest(http.MethodPost, "/pastes", strings.NewReader(`{"content":"x","expires":`+bad+`}`))
		req.Header.Set("Content-Type", "application/json")
		rec := do(s, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
		assert.Equal(t, "invalid expiry", errBody(t, rec), bad)
	}
}

func TestCreateRejects(t *testing.T) {
	s := newTestServer(t, nil)
	cases := []struct {
		name   string
		ctype  string
		body   string
		status int
	}{
		{"wrong content type", "text/plain", `{"content":"x"}`, http.StatusUnsupportedMediaType},
		{"empty content", "application/json", `{"content":""}`, http.StatusBadRequest},
		{"unknown field", "application/json", `{"content":"x","views":1}`, http.StatusBadRequest},
		{"bad json", "application/json", `{"content":`, http.StatusBadRequest},
		{"bad extension", "application/json", `{"content":"x","extension":"a/b"}`, http.StatusBadRequest},
		{"too large", "application/json", `{"content":"` + strings.Repeat("a", 5000) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/pastes", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", tc.ctype)
			assert.Equal(t, tc.status, do(s, req).Code)
		})
	}
}

func TestFormCreateRedirects(t *testing.T) {
	s := newTestServer(t, nil)
	form := url.Values{"text": {"from a form"}, "extension": {"py"}, "expires": {""}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := do(s, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	loc := rec.Header().Get("Location")
	assert.True(t, util.ValidID(strings.TrimPrefix(loc, "/")), loc)
	assert.NotEmpty(t, rec.Header().Get(tokenHeader))

	form.Set("expires", "burn")
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = do(s, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	burnLoc := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(burnLoc, "/burn/"), burnLoc)

	// The burn link page does not consume the paste.
	id := strings.TrimPrefix(burnLoc, "/burn/")
	rec = do(s, httptest.NewRequest(http.MethodGet, burnLoc, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(s, httptest.NewRequest(http.MethodGet, "/raw/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from a form", rec.Body.String())

	form.Set("expires", "tomorrow")
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusBadRequest, do(s, req).Code)
}

func TestIndexServesCreateForm(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, `action="/"`)
	for _, field := range []string{`name="text"`, `name="extension"`, `name="expires"`, `name="password"`} {
		assert.Contains(t, body, field)
	}
	assert.Contains(t, body, `value="burn"`)
	assert.Contains(t, body, `maxlength="4096"`)
}

func TestPasswordFlows(t *testing.T) {
	s := newTestServer(t, nil)
	resp := createJSON(t, s, `{"content":"secret","password":"pw"}`)

	missing := do(s, httptest.NewRequest(http.MethodGet, "/"+resp.ID, nil))
	absent := do(s, httptest.NewRequest(http.MethodGet, "/zzzzzzzzzzz", nil))
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, absent.Code, missing.Code)
	assert.Equal(t, errBody(t, absent), errBody(t, missing))

	req := httptest.NewRequest(http.MethodGet, "/"+resp.ID, nil)
	req.Header.Set(passwordHeader, "wrong")
	wrong := do(s, req)
	assert.Equal(t, http.StatusNotFound, wrong.Code)
	assert.Equal(t, "paste not found", errBody(t, wrong))

	req = httptest.NewRequest(http.MethodGet, "/"+resp.ID, nil)
	req.Header.Set(passwordHeader, "pw")
	rec := do(s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "secret")

	form := url.Values{"password": {"pw"}}
	req = httptest.NewRequest(http.MethodPost, "/"+resp.ID, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = do(s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "secret")
}

func TestRawIsBinarySafe(t *testing.T) {
	s := newTestServer(t, nil)
	resp := createJSON(t, s, `{"content":"a\u0000b ☃"}`)
	rec := do(s, httptest.NewRequest(http.MethodGet, "/raw/"+resp.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "a\x00b ☃", rec.Body.String())
}

func TestDownload(t *testing.T) {
	s := newTestServer(t, nil)
	resp := createJSON(t, s, `{"content":"print(1)"}`)
	rec := do(s, httptest.NewRequest(http.MethodGet, "/download/"+resp.ID+"/py", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename=`+resp.ID+`.py`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "print(1)", rec.Body.String())

	rec = do(s, httptest.NewRequest(http.MethodGet, "/download/"+resp.ID+"/%C3%A9", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBurnOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	resp := createJSON(t, s, `{"content":"once","expires":"burn"}`)
	assert.True(t, resp.BurnAfterReading)

	const readers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := do(s, httptest.NewRequest(http.MethodGet, "/raw/"+resp.ID, nil))
			mu.Lock()
			codes[rec.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, codes[http.StatusOK])
	assert.Equal(t, readers-1, codes[http.StatusNotFound])
}

func TestBurnLinkRejectsMalformedID(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, do(s, httptest.NewRequest(http.MethodGet, "/burn/nope", nil)).Code)
}

func TestDelete(t *testing.T) {
	s := newTestServer(t, nil)
	resp := createJSON(t, s, `{"content":"bye"}`)

	req := httptest.NewRequest(http.MethodDelete, "/pastes/"+resp.ID, nil)
	assert.Equal(t, http.StatusBadRequest, do(s, req).Code)

	req = httptest.NewRequest(http.MethodDelete, "/pastes/"+resp.ID, nil)
	req.Header.Set(tokenHeader, "forged")
	assert.Equal(t, http.StatusUnauthorized, do(s, req).Code)

	req = httptest.NewRequest(http.MethodDelete, "/pastes/"+resp.ID, nil)
	req.Header.Set(tokenHeader, resp.DeletionToken)
	require.Equal(t, http.StatusOK, do(s, req).Code)

	assert.Equal(t, http.StatusNotFound, do(s, httptest.NewRequest(http.MethodGet, "/raw/"+resp.ID, nil)).Code)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var ready ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.True(t, ready.Ready)
	assert.Equal(t, "memory", ready.Backend)
}

func TestMetricsBasicAuth(t *testing.T) {
	s := newTestServer(t, func(c *cfg.Cfg) {
		c.MetricsUser = "prom"
		c.MetricsPass = cfg.NewSecret("scrape")
	})
	assert.Equal(t, http.StatusUnauthorized, do(s, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "scrape")
	rec := do(s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cinder_")
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/pastes", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rec := do(s, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://allowed.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/pastes", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = do(s, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSplitKey(t *testing.T) {
	id, ext := splitKey("abcdefghijk.go")
	assert.Equal(t, "abcdefghijk", id)
	assert.Equal(t, "go", ext)
	id, ext = splitKey("abcdefghijk")
	assert.Equal(t, "abcdefghijk", id)
	assert.Empty(t, ext)
}
