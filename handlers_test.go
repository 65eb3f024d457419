package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mailbox *fakeMailbox, gen Generator) (*gin.Engine, *Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newTestStore(t)
	store.Load()

	orch := NewOrchestrator(mailbox, gen, store, nil, testConfig())
	handlers := NewHandlers(store, orch, mailbox, nil)

	router := gin.New()
	handlers.SetupRoutes(router)
	return router, store
}

type emailsResponse struct {
	Emails []ProcessedEmail `json:"emails"`
}

func getEmails(t *testing.T, router *gin.Engine) emailsResponse {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/emails", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp emailsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestEndToEndFetchAndQuery(t *testing.T) {
	mailbox := newFakeMailbox(messageA(), messageB())
	router, _ := newTestServer(t, mailbox, &fakeGenerator{})

	// Manual fetch trigger.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/fetch-emails", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"committed":2`)

	// Query returns both, newest first.
	resp := getEmails(t, router)
	require.Len(t, resp.Emails, 2)
	assert.Equal(t, "msg-a", resp.Emails[0].EmailID)
	assert.Equal(t, "msg-b", resp.Emails[1].EmailID)

	// Mark A read; the next query self-heals and returns only B.
	mailbox.markRead("msg-a")
	resp = getEmails(t, router)
	require.Len(t, resp.Emails, 1)
	assert.Equal(t, "msg-b", resp.Emails[0].EmailID)
}

func TestQueryNeverReturnsErrorOnlyRecords(t *testing.T) {
	mailbox := newFakeMailbox()
	router, store := newTestServer(t, mailbox, &fakeGenerator{})

	// An error-only record that slipped into the persisted state.
	store.emails = []ProcessedEmail{
		{EmailID: "bad", Error: "model service unreachable"},
		validRecord("good", "Mon, 02 Jan 2023 10:00:00 +0000"),
	}
	// Keep the prune sweep from dropping them as read.
	mailbox.messages["bad"] = &EmailMessage{ID: "bad"}
	mailbox.messages["good"] = &EmailMessage{ID: "good"}
	mailbox.order = []string{"bad", "good"}

	resp := getEmails(t, router)
	require.Len(t, resp.Emails, 1)
	assert.Equal(t, "good", resp.Emails[0].EmailID)
}

func TestPubSubTriggersIngestion(t *testing.T) {
	mailbox := newFakeMailbox(messageA())
	router, store := newTestServer(t, mailbox, &fakeGenerator{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pubsub/gmail",
		strings.NewReader(`{"message":{"data":"ignored"},"subscription":"s"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"emails_count":1`)

	live, _ := store.Counts()
	assert.Equal(t, 1, live)

	// A second notification with no new mail is a no-op.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/pubsub/gmail",
		strings.NewReader(`{"message":{}}`))
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "already processed")
}

func TestRootPostForwardsPubSubPayload(t *testing.T) {
	mailbox := newFakeMailbox(messageA())
	router, store := newTestServer(t, mailbox, &fakeGenerator{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"message":{"data":"ignored"}}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	live, _ := store.Counts()
	assert.Equal(t, 1, live)
}

func TestRootPostRejectsOtherPayloads(t *testing.T) {
	router, _ := newTestServer(t, newFakeMailbox(), &fakeGenerator{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"hello":"world"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/pubsub/gmail")
}

func TestCleanupEndpoint(t *testing.T) {
	router, store := newTestServer(t, newFakeMailbox(), &fakeGenerator{})

	store.emails = []ProcessedEmail{
		validRecord("a", "Mon, 02 Jan 2023 10:00:00 +0000"),
		validRecord("a", "Mon, 02 Jan 2023 10:00:00 +0000"),
		{EmailID: "noop"},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/cleanup", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicates_removed":1`)
	assert.Contains(t, w.Body.String(), `"failed_removed":1`)
}

func TestDebugEndpoint(t *testing.T) {
	mailbox := newFakeMailbox(messageA())
	router, _ := newTestServer(t, mailbox, &fakeGenerator{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/fetch-emails", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/debug", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var debug struct {
		StoreCount        int `json:"store_count"`
		ProcessedIDsCount int `json:"processed_ids_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &debug))
	assert.Equal(t, 1, debug.StoreCount)
	assert.Equal(t, 1, debug.ProcessedIDsCount)
}

func TestHealthz(t *testing.T) {
	router, _ := newTestServer(t, newFakeMailbox(), &fakeGenerator{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestFetchEmailsMailboxDown(t *testing.T) {
	mailbox := newFakeMailbox(messageA())
	mailbox.listErr = assert.AnError
	router, _ := newTestServer(t, mailbox, &fakeGenerator{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/fetch-emails", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "mailbox_error")
}
