package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RichardoC/convo/internal/db"
	"github.com/RichardoC/convo/internal/exchange"
	"github.com/RichardoC/convo/internal/llm"
	"github.com/RichardoC/convo/internal/models"
)

type stubGenerator struct {
	answer string
	err    error
}

func (g *stubGenerator) Generate(_ context.Context, _ []models.Turn) (string, error) {
	return g.answer, g.err
}

type testServer struct {
	srv      *httptest.Server
	database *db.Database
}

func newTestServer(t *testing.T, gen exchange.Generator) *testServer {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	svc, err := exchange.New(database, gen, zap.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(database, svc, zap.NewNop()).Routes([]string{"*"}))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, database: database}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestSendMessage_AutoCreatesConversation(t *testing.T) {
	ts := newTestServer(t, &stubGenerator{answer: "Hello! How can I help?"})

	res, raw := ts.do(t, http.MethodPost, "/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusOK, res.StatusCode, string(raw))
	reply := decode[models.Message](t, raw)
	require.Equal(t, models.RoleAssistant, reply.Role)
	require.Equal(t, int64(1), reply.ConvID)
	require.Equal(t, "Hello! How can I help?", reply.Content)

	res, raw = ts.do(t, http.MethodGet, "/conversations/1/messages", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	msgs := decode[[]models.Message](t, raw)
	require.Len(t, msgs, 2)
	require.Equal(t, models.RoleUser, msgs[0].Role)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, models.RoleAssistant, msgs[1].Role)
	require.Equal(t, reply.Content, msgs[1].Content)

	res, raw = ts.do(t, http.MethodGet, "/conversations/1", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, models.DefaultConversationTitle, decode[models.Conversation](t, raw).Title)
}

func TestSendMessage_UnknownConversation(t *testing.T) {
	ts := newTestServer(t, &stubGenerator{answer: "unused"})

	res, raw := ts.do(t, http.MethodPost, "/messages", `{"content":"hello","conversation_id":999}`)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Equal(t, detailNotFound, decode[errorResponse](t, raw).Detail)

	res, _ = ts.do(t, http.MethodPost, "/conversations/999/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	msgs, err := ts.database.ListMessages(context.Background(), 999)
	require.NoError(t, err)
	require.Empty(t, msgs)
	convs, err := ts.database.ListConversations(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Empty(t, convs)
}

func TestSendMessage_GenerationFailureReturnsPlaceholder(t *testing.T) {
	ts := newTestServer(t, &stubGenerator{err: &llm.GenerationError{Reason: "API returned unexpected status code: 502", Err: errors.New("bad gateway")}})

	res, raw := ts.do(t, http.MethodPost, "/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	reply := decode[models.Message](t, raw)
	require.Equal(t, models.RoleAssistant, reply.Role)
	require.Contains(t, reply.Content, "couldn't generate a response")
	require.Contains(t, reply.Content, "502")

	msgs, err := ts.database.ListMessages(context.Background(), reply.ConvID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hello", msgs[0].Content)
}

func TestSendMessage_ExistingConversationViaPathAndBody(t *testing.T) {
	ts := newTestServer(t, &stubGenerator{answer: "ack"})

	res, raw := ts.do(t, http.MethodPost, "/conversations", `{"title":"Work"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	conv := decode[models.Conversation](t, raw)

	res, _ = ts.do(t, http.MethodPost, "/messages", `{"content":"first","conversation_id":`+itoa(conv.ID)+`}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = ts.do(t, http.MethodPost, "/conversations/"+itoa(conv.ID)+"/messages", `{"content":"second","role":"critic"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	_, raw = ts.do(t, http.MethodGet, "/conversations/"+itoa(conv.ID)+"/messages", "")
	msgs := decode[[]models.Message](t, raw)
	require.Len(t, msgs, 4)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "second", msgs[2].Content)
	require.Equal(t, "critic", msgs[2].Role)
	require.Equal(t, models.RoleAssistant, msgs[3].Role)
}

func TestSendMessage_BadRequests(t *testing.T) {
	ts := newTestServer(t, &stubGenerator{answer: "x"})

	res, _ := ts.do(t, http.MethodPost, "/messages", `not json`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, raw := ts.do(t, http.MethodPost, "/messages", `{"role":"user"}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Equal(t, "content is required", decode[errorResponse](t, raw).Detail)

	res, _ = ts.do(t, http.MethodPost, "/conversations/abc/messages", `{"content":"x"}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	// Empty content is accepted.
	res, _ = ts.do(t, http.MethodPost, "/messages", `{"content":""}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestConversationCRUD(t *testing.T) {
	ts := newTestServer(t, &stubGenerator{answer: "x"})

	res, raw := ts.do(t, http.MethodPost, "/conversations", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	first := decode[models.Conversation](t, raw)
	require.Equal(t, models.DefaultConversationTitle, first.Title)

	_, raw = ts.do(t, http.MethodPost, "/conversations/", `{"title":"Second"}`)
	second := decode[models.Conversation](t, raw)
	require.Equal(t, "Second", second.Title)

	res, raw = ts.do(t, http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, decode[[]models.Conversation](t, raw), 2)

	_, raw = ts.do(t, http.MethodGet, "/conversations/?offset=1&limit=1", "")
	page := decode[[]models.Conversation](t, raw)
	require.Len(t, page, 1)
	require.Equal(t, second.ID, page[0].ID)

	res, _ = ts.do(t, http.MethodGet, "/conversations?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = ts.do(t, http.MethodGet, "/conversations?offset=x", "")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, raw = ts.do(t, http.MethodDelete, "/conversations/"+itoa(first.ID), "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, decode[okResponse](t, raw).OK)

	res, _ = ts.do(t, http.MethodDelete, "/conversations/"+itoa(first.ID), "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = ts.do(t, http.MethodGet, "/conversations/"+itoa(first.ID), "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestGetConversation_EmptyStore(t *testing.T) {
	ts := newTestServer(t, &stubGenerator{answer: "x"})

	res, raw := ts.do(t, http.MethodGet, "/conversations/999", "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Equal(t, detailNotFound, decode[errorResponse](t, raw).Detail)
}

func TestDeleteConversation_RemovesMessages(t *testing.T) {
	ts := newTestServer(t, &stubGenerator{answer: "x"})

	_, raw := ts.do(t, http.MethodPost, "/messages", `{"content":"hello"}`)
	reply := decode[models.Message](t, raw)

	res, _ := ts.do(t, http.MethodDelete, "/conversations/"+itoa(reply.ConvID), "")
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, raw = ts.do(t, http.MethodGet, "/conversations/"+itoa(reply.ConvID)+"/messages", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Empty(t, decode[[]models.Message](t, raw))
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, &stubGenerator{answer: "x"})

	res, _ := ts.do(t, http.MethodGet, "/messages", "")
	require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &stubGenerator{answer: "x"})

	res, raw := ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, decode[okResponse](t, raw).OK)
}

func TestMiddleware_RequestIDAndCORS(t *testing.T) {
	ts := newTestServer(t, &stubGenerator{answer: "x"})

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	res, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.NotEmpty(t, res.Header.Get(requestIDHeader))
	require.Equal(t, "http://localhost:3000", res.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodOptions, ts.srv.URL+"/messages", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	req.Header.Set(requestIDHeader, "abc-123")
	res, err = ts.srv.Client().Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	require.Contains(t, res.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
	require.Equal(t, "content-type", res.Header.Get("Access-Control-Allow-Headers"))
	require.Equal(t, "abc-123", res.Header.Get(requestIDHeader))
}

func TestCORS_RestrictedOrigins(t *testing.T) {
	h := cors([]string{"https://app.example"}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://app.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

// failingStore reports a storage fault for every call.
type failingStore struct{}

var errStorage = errors.New("disk I/O error")

func (failingStore) CreateConversation(context.Context, string) (*models.Conversation, error) {
	return nil, errStorage
}
func (failingStore) GetConversation(context.Context, int64) (*models.Conversation, error) {
	return nil, errStorage
}
func (failingStore) ListConversations(context.Context, int, int) ([]models.Conversation, error) {
	return nil, errStorage
}
func (failingStore) DeleteConversation(context.Context, int64) error { return errStorage }
func (failingStore) ListMessages(context.Context, int64) ([]models.Message, error) {
	return nil, errStorage
}
func (failingStore) Ping(context.Context) error { return errStorage }

type failingExchanger struct{}

func (failingExchanger) SendMessage(context.Context, exchange.Request) (*models.Message, error) {
	return nil, errStorage
}

func TestStorageFaultsAreServerErrors(t *testing.T) {
	srv := httptest.NewServer(NewHandler(failingStore{}, failingExchanger{}, zap.NewNop()).Routes(nil))
	defer srv.Close()

	cases := []struct {
		method, path, body string
		status             int
	}{
		{http.MethodPost, "/conversations", `{}`, http.StatusInternalServerError},
		{http.MethodGet, "/conversations", "", http.StatusInternalServerError},
		{http.MethodGet, "/conversations/1", "", http.StatusInternalServerError},
		{http.MethodDelete, "/conversations/1", "", http.StatusInternalServerError},
		{http.MethodGet, "/conversations/1/messages", "", http.StatusInternalServerError},
		{http.MethodPost, "/messages", `{"content":"hi"}`, http.StatusInternalServerError},
		{http.MethodGet, "/healthz", "", http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		var body io.Reader
		if tc.body != "" {
			body = strings.NewReader(tc.body)
		}
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, body)
		require.NoError(t, err)
		res, err := srv.Client().Do(req)
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, tc.status, res.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
