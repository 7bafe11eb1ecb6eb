package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/evcscavalcante/labsync/internal/labsync"
	"github.com/evcscavalcante/labsync/internal/relational"
)

func TestAuthRequired(t *testing.T) {
	server := NewServer(NewMemoryRepository())
	req := httptest.NewRequest(http.MethodGet, "/v1/collections/equipment/records", nil)
	rec := httptest.NewRecorder()

	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	server := NewServer(NewMemoryRepository())
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestRecordLifecycle(t *testing.T) {
	server := NewServer(NewMemoryRepository())
	headers := authHeaders(t, "dev-secret", "tech-1", scopeRecordsRead, scopeRecordsWrite)

	putResp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/collections/equipment/records/eq-1",
		headers: headers,
		body: map[string]any{
			"payload":   map[string]any{"name": "Balança", "capacity": 220},
			"updatedAt": "2024-03-01T09:00:00.123Z",
			"ownerId":   "user-1",
		},
	})
	if putResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on put, got %d (%s)", putResp.Code, putResp.Body.String())
	}

	getResp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/equipment/records/eq-1", headers: headers})
	if getResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", getResp.Code)
	}
	var record labsync.Record
	if err := json.NewDecoder(getResp.Body).Decode(&record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	want := time.Date(2024, 3, 1, 9, 0, 0, 123_000_000, time.UTC)
	if record.ID != "eq-1" || record.Payload["name"] != "Balança" || !record.UpdatedAt.Equal(want) || record.OwnerID != "user-1" {
		t.Fatalf("unexpected record %+v", record)
	}

	postResp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/collections/equipment/records",
		headers: headers,
		body:    map[string]any{"id": "eq-2", "updatedAt": "2024-03-01T09:00:01Z"},
	})
	if postResp.Code != http.StatusCreated {
		t.Fatalf("expected 201 on post, got %d (%s)", postResp.Code, postResp.Body.String())
	}

	listResp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/equipment/records", headers: headers})
	var page recordPage
	if err := json.NewDecoder(listResp.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Records) != 2 || page.NextCursor != nil {
		t.Fatalf("expected a single page of 2 records, got %+v", page)
	}

	deleteResp := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/collections/equipment/records/eq-1", headers: headers})
	if deleteResp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", deleteResp.Code)
	}
	deleteAgain := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/collections/equipment/records/eq-1", headers: headers})
	if deleteAgain.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete of missing record, got %d", deleteAgain.Code)
	}

	missing := doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/equipment/records/eq-1", headers: headers})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missing.Code)
	}
	var body map[string]any
	_ = json.NewDecoder(missing.Body).Decode(&body)
	if body["code"] != "not_found" || body["correlationId"] != "corr_1" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestScopeAndAudienceEnforced(t *testing.T) {
	server := NewServer(NewMemoryRepository())

	readOnly := authHeaders(t, "dev-secret", "viewer", scopeRecordsRead)
	resp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/collections/equipment/records/eq-1",
		headers: readOnly,
		body:    map[string]any{"updatedAt": "2024-03-01T09:00:00Z"},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without records:write, got %d", resp.Code)
	}

	wrongAud := mustTestJWTWithAudience(t, "dev-secret", "viewer", []string{scopeRecordsRead}, "inventory", time.Now().Add(time.Hour))
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/collections/equipment/records",
		headers: map[string]string{"Authorization": "Bearer " + wrongAud, "X-Correlation-Id": "corr_1"},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", resp.Code)
	}

	expired := mustTestJWTWithAudience(t, "dev-secret", "viewer", []string{scopeRecordsRead}, tokenAudience, time.Now().Add(-time.Minute))
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/collections/equipment/records",
		headers: map[string]string{"Authorization": "Bearer " + expired, "X-Correlation-Id": "corr_1"},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp.Code)
	}

	forged := authHeaders(t, "other-secret", "viewer", scopeRecordsRead)
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/equipment/records", headers: forged})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", resp.Code)
	}
}

func TestMissingCorrelationIDRejected(t *testing.T) {
	server := NewServer(NewMemoryRepository())
	headers := authHeaders(t, "dev-secret", "tech-1", scopeRecordsRead)
	delete(headers, "X-Correlation-Id")
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/equipment/records", headers: headers})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", resp.Code)
	}
}

func TestSchemaRejectsInvalidRecords(t *testing.T) {
	schema := []byte(`{
	  "type": "object",
	  "required": ["id", "updatedAt", "payload"],
	  "properties": {
	    "id": {"type": "string"},
	    "payload": {"type": "object", "required": ["name"], "properties": {"name": {"type": "string", "minLength": 1}}}
	  }
	}`)
	server, err := NewServerWithConfig(NewMemoryRepository(), ServerConfig{RecordSchema: schema})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	headers := authHeaders(t, "dev-secret", "tech-1", scopeRecordsWrite)

	resp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/collections/equipment/records/eq-1",
		headers: headers,
		body:    map[string]any{"updatedAt": "2024-03-01T09:00:00Z", "payload": map[string]any{"capacity": 10}},
	})
	if resp.Code != http.StatusBadRequest || !strings.Contains(resp.Body.String(), "invalid_record") {
		t.Fatalf("expected invalid_record 400, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/collections/equipment/records/eq-1",
		headers: headers,
		body:    map[string]any{"updatedAt": "2024-03-01T09:00:00Z", "payload": map[string]any{"name": "Estufa"}},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected valid record to be accepted, got %d (%s)", resp.Code, resp.Body.String())
	}

	defaults := NewServer(NewMemoryRepository())
	resp = doRequest(t, defaults, request{
		method:  http.MethodPost,
		path:    "/v1/collections/equipment/records",
		headers: headers,
		body:    map[string]any{"id": "eq-1"},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected record without updatedAt to be rejected, got %d", resp.Code)
	}

	if _, err := NewServerWithConfig(NewMemoryRepository(), ServerConfig{RecordSchema: []byte(`{"type": 12}`)}); err == nil {
		t.Fatalf("expected invalid schema to fail compilation")
	}
}

func TestPutRejectsMismatchedIDAndBadCollection(t *testing.T) {
	server := NewServer(NewMemoryRepository())
	headers := authHeaders(t, "dev-secret", "tech-1", scopeRecordsWrite)

	resp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/collections/equipment/records/eq-1",
		headers: headers,
		body:    map[string]any{"id": "eq-2", "updatedAt": "2024-03-01T09:00:00Z"},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for mismatched id, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/collections/bad%20name;/records/eq-1",
		headers: headers,
		body:    map[string]any{"updatedAt": "2024-03-01T09:00:00Z"},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid collection, got %d", resp.Code)
	}
}

func TestEscapedRecordIDsRoundTrip(t *testing.T) {
	repo := NewMemoryRepository()
	server := NewServer(repo)
	headers := authHeaders(t, "dev-secret", "tech-1", scopeRecordsWrite)

	resp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/collections/equipment/records/lab%2F01",
		headers: headers,
		body:    map[string]any{"updatedAt": "2024-03-01T09:00:00Z"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if _, err := repo.Get(context.Background(), "equipment", "lab/01"); err != nil {
		t.Fatalf("expected record stored under decoded id, got %v", err)
	}
}

func TestBodyLimitEnforced(t *testing.T) {
	server, err := NewServerWithConfig(NewMemoryRepository(), ServerConfig{MaxBodyBytes: 64})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	headers := authHeaders(t, "dev-secret", "tech-1", scopeRecordsWrite)
	resp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/collections/equipment/records/eq-1",
		headers: headers,
		body:    map[string]any{"updatedAt": "2024-03-01T09:00:00Z", "payload": map[string]any{"notes": strings.Repeat("x", 128)}},
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestRateLimitIsPerSubject(t *testing.T) {
	server, err := NewServerWithConfig(NewMemoryRepository(), ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	first := authHeaders(t, "dev-secret", "tech-1", scopeRecordsRead)
	second := authHeaders(t, "dev-secret", "tech-2", scopeRecordsRead)

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/equipment/records", headers: first})
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	limited := doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/equipment/records", headers: first})
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", limited.Code)
	}
	if limited.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", limited.Header().Get("Retry-After"))
	}
	other := doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/equipment/records", headers: second})
	if other.Code != http.StatusOK {
		t.Fatalf("expected other subject to be unaffected, got %d", other.Code)
	}
}

func TestListPaginatesByID(t *testing.T) {
	repo := NewMemoryRepository()
	for _, id := range []string{"c", "a", "b"} {
		if err := repo.Upsert(context.Background(), "samples", labsync.Record{ID: id}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	server := NewServer(repo)
	headers := authHeaders(t, "dev-secret", "tech-1", scopeRecordsRead)

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/samples/records?limit=2", headers: headers})
	var page recordPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Records) != 2 || page.Records[0].ID != "a" || page.NextCursor == nil || *page.NextCursor != "b" {
		t.Fatalf("unexpected first page %+v", page)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/samples/records?limit=2&cursor=b", headers: headers})
	page = recordPage{}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].ID != "c" || page.NextCursor != nil {
		t.Fatalf("unexpected last page %+v", page)
	}
}

func TestRelationalClientAgainstServer(t *testing.T) {
	repo := NewMemoryRepository()
	server := NewServer(repo)
	ts := httptest.NewServer(server)
	defer ts.Close()

	token, err := IssueToken("dev-secret", "labsync-client", []string{scopeRecordsRead, scopeRecordsWrite}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	client := relational.NewClient(ts.URL, "equipment", token, ts.Client())
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := client.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := client.Create(ctx, "user-1", labsync.Record{ID: "eq-1", Payload: map[string]any{"name": "Prensa"}, UpdatedAt: at}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := client.Update(ctx, "user-1", labsync.Record{ID: "eq-1", Payload: map[string]any{"name": "Prensa CBR"}, UpdatedAt: at.Add(time.Second)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := client.Get(ctx, "", "eq-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payload["name"] != "Prensa CBR" || !got.UpdatedAt.Equal(at.Add(time.Second)) {
		t.Fatalf("unexpected record %+v", got)
	}
	list, err := client.List(ctx, "")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one record, got %d (%v)", len(list), err)
	}
	if err := client.Delete(ctx, "", "eq-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := client.Get(ctx, "", "eq-1"); !errors.Is(err, labsync.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPresenceSendsHeartbeats(t *testing.T) {
	server, err := NewServerWithConfig(NewMemoryRepository(), ServerConfig{PresenceInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	for k, v := range authHeaders(t, "dev-secret", "tech-1", scopeRecordsRead) {
		header.Set(k, v)
	}
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/presence", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial presence: %v", err)
	}
	defer conn.CloseNow()

	for i := 0; i < 2; i++ {
		var beat Heartbeat
		if err := wsjson.Read(ctx, conn, &beat); err != nil {
			t.Fatalf("read heartbeat %d: %v", i, err)
		}
		if beat.Type != "heartbeat" || beat.IntervalMS != 20 || beat.CorrelationID != "corr_1" {
			t.Fatalf("unexpected heartbeat %+v", beat)
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestPresenceRequiresToken(t *testing.T) {
	server := NewServer(NewMemoryRepository())
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/presence"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestPostgresRepositoryReportsOpenFailure(t *testing.T) {
	if _, err := NewPostgresRepository("  "); !errors.Is(err, labsync.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty dsn, got %v", err)
	}
	repo, err := NewPostgresRepository("postgres://localhost/labsync")
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	repo.openDB = func(string, string) (*sql.DB, error) { return nil, errors.New("boom") }
	if _, err := repo.Get(context.Background(), "equipment", "eq-1"); err == nil || err.Error() != "boom" {
		t.Fatalf("expected open failure to surface, got %v", err)
	}
	if err := repo.Upsert(context.Background(), "equipment", labsync.Record{ID: "eq-1"}); err == nil {
		t.Fatalf("expected cached open failure on later calls")
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func authHeaders(t *testing.T, secret, subject string, scopes ...string) map[string]string {
	t.Helper()
	token := mustTestJWTWithAudience(t, secret, subject, scopes, tokenAudience, time.Now().Add(time.Hour))
	return map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Correlation-Id": "corr_1",
	}
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signHS256(secret, signingInput))
}

func TestAuthorizeBearerValidatesClaims(t *testing.T) {
	now := time.Now()
	exp := now.Add(time.Hour).Unix()
	sign := func(claims map[string]any) string {
		t.Helper()
		token, err := signToken("dev-secret", claims)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return token
	}
	issued, err := IssueToken("dev-secret", "bench-1", []string{scopeRecordsRead}, time.Hour, now)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	segments := strings.Split(issued, ".")
	forged := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"admin","aud":"labsync","exp":9999999999,"scopes":["records:write"]}`))
	tampered := segments[0] + "." + forged + "." + segments[2]

	cases := []struct {
		name       string
		token      string
		scope      string
		wantStatus int
	}{
		{"issued token", issued, scopeRecordsRead, 0},
		{"space separated scopes", sign(map[string]any{"sub": "bench-1", "aud": tokenAudience, "exp": exp, "scopes": "records:read records:write"}), scopeRecordsWrite, 0},
		{"scope not granted", issued, scopeRecordsWrite, http.StatusForbidden},
		{"no scopes", sign(map[string]any{"sub": "bench-1", "aud": tokenAudience, "exp": exp, "scopes": []string{}}), scopeRecordsRead, http.StatusForbidden},
		{"missing sub", sign(map[string]any{"aud": tokenAudience, "exp": exp, "scopes": []string{scopeRecordsRead}}), scopeRecordsRead, http.StatusUnauthorized},
		{"missing exp", sign(map[string]any{"sub": "bench-1", "aud": tokenAudience, "scopes": []string{scopeRecordsRead}}), scopeRecordsRead, http.StatusUnauthorized},
		{"wrong audience", sign(map[string]any{"sub": "bench-1", "aud": "inventory", "exp": exp, "scopes": []string{scopeRecordsRead}}), scopeRecordsRead, http.StatusUnauthorized},
		{"bad scopes type", sign(map[string]any{"sub": "bench-1", "aud": tokenAudience, "exp": exp, "scopes": 7}), scopeRecordsRead, http.StatusUnauthorized},
		{"tampered payload", tampered, scopeRecordsRead, http.StatusUnauthorized},
		{"wrong secret", mustTestJWTWithAudience(t, "other-secret", "bench-1", []string{scopeRecordsRead}, tokenAudience, now.Add(time.Hour)), scopeRecordsRead, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims, authErr := authorizeBearer("Bearer "+tc.token, "dev-secret", tc.scope, now)
			if tc.wantStatus == 0 {
				if authErr != nil {
					t.Fatalf("expected token to be accepted, got %v", authErr)
				}
				if claims.Subject != "bench-1" {
					t.Fatalf("expected subject bench-1, got %q", claims.Subject)
				}
				return
			}
			if authErr == nil || authErr.status != tc.wantStatus {
				t.Fatalf("expected status %d, got %v", tc.wantStatus, authErr)
			}
		})
	}

	if _, authErr := authorizeBearer("Basic abc", "dev-secret", "", now); authErr == nil || authErr.status != http.StatusUnauthorized {
		t.Fatalf("expected non-bearer header to be rejected, got %v", authErr)
	}
}
