package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Orchestrator runs the unread-mail intake pipeline. The same idempotent
// IngestNewMail drives every trigger: the startup sweep, the manual fetch
// endpoint, the poll scheduler and the Pub/Sub webhook.
type Orchestrator struct {
	mailbox MailboxClient
	llm     Generator
	store   *Store
	metrics *Metrics

	maxResults    int64
	replyTone     string
	generateReply bool
}

// NewOrchestrator creates the ingestion orchestrator
func NewOrchestrator(mailbox MailboxClient, llm Generator, store *Store, metrics *Metrics, config *Config) *Orchestrator {
	return &Orchestrator{
		mailbox:       mailbox,
		llm:           llm,
		store:         store,
		metrics:       metrics,
		maxResults:    config.Gmail.MaxResults,
		replyTone:     config.Ollama.ReplyTone,
		generateReply: config.Ollama.GenerateReply,
	}
}

// IngestNewMail lists unread messages, filters out everything already
// processed, and summarizes and commits the rest. Repeated calls with no new
// mailbox activity are cheap no-ops. Only total mailbox unavailability
// aborts the run; any individual message failure is logged and skipped.
func (o *Orchestrator) IngestNewMail(ctx context.Context) (IngestReport, error) {
	start := time.Now()
	if o.metrics != nil {
		o.metrics.IngestRuns.Inc()
	}

	var report IngestReport

	ids, err := o.mailbox.ListUnread(ctx, o.maxResults)
	if err != nil {
		return report, fmt.Errorf("failed to list unread messages: %w", err)
	}
	report.Discovered = len(ids)
	if o.metrics != nil {
		o.metrics.EmailsDiscovered.Add(float64(len(ids)))
	}

	newIDs := o.store.FilterUnprocessed(ids)
	report.AlreadyProcessed = report.Discovered - len(newIDs)

	if len(newIDs) == 0 {
		logrus.Debugf("No new unread emails (%d discovered, all processed)", report.Discovered)
		return report, nil
	}

	logrus.Infof("Processing %d new unread email(s) of %d discovered", len(newIDs), report.Discovered)

	for _, id := range newIDs {
		email, err := o.mailbox.FetchMessage(ctx, id)
		if err != nil {
			logrus.Warnf("Failed to fetch message %s, skipping: %v", id, err)
			report.Skipped++
			continue
		}

		record := o.processEmail(ctx, email)

		added, err := o.store.Commit(record)
		if err != nil {
			if errors.Is(err, ErrAlreadyProcessed) {
				// A concurrent trigger won the race for this ID.
				logrus.Infof("Message %s committed by a concurrent run, skipping", id)
				report.AlreadyProcessed++
			} else {
				logrus.Errorf("Failed to commit message %s: %v", id, err)
				report.Skipped++
			}
			continue
		}

		if added {
			report.Committed++
			if o.metrics != nil {
				o.metrics.EmailsCommitted.Inc()
			}
		} else {
			logrus.Warnf("Message %s produced no usable content: %s", id, record.Error)
			report.Skipped++
		}
	}

	logrus.Infof("Ingestion finished in %v: %d committed, %d already processed, %d skipped",
		time.Since(start).Round(time.Millisecond), report.Committed, report.AlreadyProcessed, report.Skipped)
	return report, nil
}

// processEmail turns one fetched message into a ProcessedEmail record. Model
// failures land in the record's error fields; they never propagate.
func (o *Orchestrator) processEmail(ctx context.Context, email *EmailMessage) ProcessedEmail {
	record := ProcessedEmail{
		EmailID: email.ID,
		From:    email.From,
		Subject: email.Subject,
		Date:    email.Date,
		Body:    email.Body,
		Snippet: email.Snippet,
	}

	content, err := selectContent(email.Body, email.Snippet)
	if err != nil {
		// No model call for empty messages; the record stays invalid and its
		// ID is still committed so the message is not retried every cycle.
		record.Error = err.Error()
		return record
	}

	summary := o.llm.Summarize(ctx, email.From, email.Subject, content)
	if summary.Status == GenerationError {
		record.Error = summary.Err
		if o.metrics != nil {
			o.metrics.SummaryFailures.Inc()
		}
		logrus.Warnf("Summary generation failed for %s: %s", email.ID, summary.Err)
	} else {
		record.Summary = summary.Content
		record.SummaryTime = summary.Seconds
	}

	if o.generateReply {
		reply := o.llm.DraftReply(ctx, email.From, email.Subject, content, o.replyTone)
		if reply.Status == GenerationError {
			record.ReplyError = reply.Err
			if o.metrics != nil {
				o.metrics.ReplyFailures.Inc()
			}
			logrus.Warnf("Draft reply generation failed for %s: %s", email.ID, reply.Err)
		} else {
			record.DraftReply = reply.Content
			record.ReplyTime = reply.Seconds
		}
	}

	return record
}
