package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	store        *Store
	orchestrator *Orchestrator
	mailbox      MailboxClient
	scheduler    *Scheduler
}

// NewHandlers creates new HTTP handlers
func NewHandlers(store *Store, orchestrator *Orchestrator, mailbox MailboxClient, scheduler *Scheduler) *Handlers {
	return &Handlers{
		store:        store,
		orchestrator: orchestrator,
		mailbox:      mailbox,
		scheduler:    scheduler,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	// UI
	router.GET("/", h.Index)
	router.POST("/", h.RootPost)

	// Health check
	router.GET("/healthz", h.HealthCheck)

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	router.GET("/api/emails", h.GetEmails)
	router.POST("/api/fetch-emails", h.FetchEmails)
	router.POST("/api/cleanup", h.Cleanup)
	router.GET("/api/debug", h.Debug)

	// Gmail push notifications
	router.POST("/pubsub/gmail", h.PubSubGmail)
}

// Index serves the main UI page
func (h *Handlers) Index(c *gin.Context) {
	page := "templates/index.html"
	if _, err := os.Stat(page); err != nil {
		c.Data(http.StatusNotFound, "text/html; charset=utf-8",
			[]byte("<h1>Mail Triage</h1><p>Template file not found.</p>"))
		return
	}
	c.File(page)
}

// RootPost forwards Pub/Sub-shaped payloads that were misconfigured to POST
// to the root path; anything else gets a pointer to the right endpoint.
func (h *Handlers) RootPost(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err == nil {
		if _, ok := body["message"]; ok {
			logrus.Warn("Received Pub/Sub message at root endpoint, handling as /pubsub/gmail")
			h.PubSubGmail(c)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "error",
		"message": "Please use /pubsub/gmail endpoint for Pub/Sub messages",
	})
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	liveCount, processedCount := h.store.Counts()

	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Mailbox:   "ok",
		Metrics: map[string]string{
			"store_count":         strconv.Itoa(liveCount),
			"processed_ids_count": strconv.Itoa(processedCount),
		},
	}

	if h.scheduler != nil && h.scheduler.IsRunning() {
		response.Metrics["scheduler"] = "running"
		response.Metrics["next_run"] = h.scheduler.GetNextRun().Format(time.RFC3339)
	} else {
		response.Metrics["scheduler"] = "stopped"
	}

	c.JSON(http.StatusOK, response)
}

// GetEmails returns all live processed emails. Every read doubles as a
// freshness sweep: records whose messages were read in the meantime are
// pruned before the response is built.
func (h *Handlers) GetEmails(c *gin.Context) {
	ctx := c.Request.Context()

	removed := h.store.PruneStale(func(id string) bool {
		return h.mailbox.IsUnread(ctx, id)
	})
	if removed > 0 {
		logrus.Infof("Pruned %d read email(s) from store", removed)
	}

	emails := h.store.Emails()
	valid := make([]ProcessedEmail, 0, len(emails))
	for _, e := range emails {
		if e.IsValid() {
			valid = append(valid, e)
		}
	}

	c.JSON(http.StatusOK, gin.H{"emails": valid})
}

// FetchEmails manually triggers one ingestion run
func (h *Handlers) FetchEmails(c *gin.Context) {
	report, err := h.orchestrator.IngestNewMail(c.Request.Context())
	if err != nil {
		logrus.Errorf("Manual fetch failed: %v", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "mailbox_error",
			Message: err.Error(),
			Code:    http.StatusBadGateway,
		})
		return
	}

	message := fmt.Sprintf("Processed %d email(s)", report.Committed)
	if report.Discovered == 0 {
		message = "No unread emails found"
	} else if report.Committed == 0 && report.AlreadyProcessed == report.Discovered {
		message = "All unread emails have already been processed"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": message,
		"report":  report,
	})
}

// Cleanup removes duplicate and contentless entries from the live store
func (h *Handlers) Cleanup(c *gin.Context) {
	report := h.store.Cleanup()
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"total_before":       report.TotalBefore,
		"total_after":        report.TotalAfter,
		"duplicates_removed": report.DuplicatesRemoved,
		"failed_removed":     report.FailedRemoved,
	})
}

// Debug returns store introspection data
func (h *Handlers) Debug(c *gin.Context) {
	liveCount, processedCount := h.store.Counts()
	emails := h.store.Emails()
	if len(emails) > 10 {
		emails = emails[:10]
	}

	entries := make([]gin.H, 0, len(emails))
	for _, e := range emails {
		entries = append(entries, gin.H{
			"email_id":    e.EmailID,
			"subject":     e.Subject,
			"has_summary": e.Summary != "",
			"has_reply":   e.DraftReply != "",
			"has_error":   e.Error != "" || e.ReplyError != "",
			"error":       e.Error,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"store_count":         liveCount,
		"processed_ids_count": processedCount,
		"store_emails":        entries,
	})
}

// PubSubGmail handles Gmail push notifications. The payload carries no
// message content; it is only a signal to ingest the current unread list.
func (h *Handlers) PubSubGmail(c *gin.Context) {
	logrus.Info("Gmail notification received, ingesting unread emails")

	report, err := h.orchestrator.IngestNewMail(c.Request.Context())
	if err != nil {
		logrus.Errorf("Push-triggered ingestion failed: %v", err)
		c.JSON(http.StatusOK, gin.H{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}

	if report.Discovered == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "No unread emails"})
		return
	}
	if report.Committed == 0 && report.AlreadyProcessed == report.Discovered {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "All unread emails already processed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"emails_count": report.Committed,
	})
}
