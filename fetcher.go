package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/sirupsen/logrus"
)

// MailboxClient is the narrow interface to the remote mailbox provider.
type MailboxClient interface {
	// ListUnread returns the IDs of messages currently unread in the inbox,
	// bounded by max.
	ListUnread(ctx context.Context, max int64) ([]string, error)
	// FetchMessage fetches and parses one message. An error means the caller
	// should skip this message, not abort the batch.
	FetchMessage(ctx context.Context, id string) (*EmailMessage, error)
	// IsUnread reports whether the message is still unread. A deleted or
	// archived message counts as read; a transient provider error counts as
	// unread so a flaky API never hides a message.
	IsUnread(ctx context.Context, id string) bool
	Close() error
}

var htmlTagPattern = regexp.MustCompile(`<[^<]+?>`)

// stripHTMLTags removes markup with a lossy between-brackets heuristic. Good
// enough for summarization input, not a real HTML parser.
func stripHTMLTags(s string) string {
	return strings.TrimSpace(htmlTagPattern.ReplaceAllString(s, ""))
}

// decodeMIMEWords decodes RFC 2047 encoded words in a header value, returning
// the input unchanged when it cannot be decoded.
func decodeMIMEWords(s string) string {
	if s == "" {
		return ""
	}
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// GmailClient implements MailboxClient using the Gmail API
type GmailClient struct {
	service   *gmail.Service
	userEmail string
}

// NewGmailClient creates a Gmail API mailbox client from an OAuth2 refresh
// token.
func NewGmailClient(config *GmailConfig) (*GmailClient, error) {
	ctx := context.Background()

	oauth2Config := &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		Scopes:       []string{gmail.GmailReadonlyScope, gmail.GmailModifyScope},
		Endpoint:     google.Endpoint,
	}

	token := &oauth2.Token{
		RefreshToken: config.RefreshToken,
	}

	tokenSource := oauth2Config.TokenSource(ctx, token)

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	user := config.UserEmail
	if user == "" {
		user = "me"
	}

	return &GmailClient{
		service:   service,
		userEmail: user,
	}, nil
}

// ListUnread returns the IDs of unread INBOX messages
func (g *GmailClient) ListUnread(ctx context.Context, max int64) ([]string, error) {
	response, err := g.service.Users.Messages.List(g.userEmail).
		LabelIds("INBOX", "UNREAD").
		MaxResults(max).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list unread messages: %w", err)
	}

	ids := make([]string, 0, len(response.Messages))
	for _, msg := range response.Messages {
		ids = append(ids, msg.Id)
	}
	return ids, nil
}

// FetchMessage fetches one message and extracts its best textual body
func (g *GmailClient) FetchMessage(ctx context.Context, id string) (*EmailMessage, error) {
	msg, err := g.service.Users.Messages.Get(g.userEmail, id).
		Format("full").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	email := &EmailMessage{
		ID:       id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
	}

	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			switch strings.ToLower(header.Name) {
			case "from":
				email.From = decodeMIMEWords(header.Value)
			case "to":
				email.To = decodeMIMEWords(header.Value)
			case "subject":
				email.Subject = decodeMIMEWords(header.Value)
			case "date":
				email.Date = header.Value
			}
		}

		plainText, htmlText := collectParts(msg.Payload)

		// Prefer plain text, fall back to stripped HTML, then snippet.
		if strings.TrimSpace(plainText) != "" {
			email.Body = strings.TrimSpace(plainText)
		} else if strings.TrimSpace(htmlText) != "" {
			email.Body = stripHTMLTags(htmlText)
		} else {
			email.Body = email.Snippet
		}
	} else {
		email.Body = email.Snippet
	}

	return email, nil
}

// collectParts recursively walks the message part tree and accumulates the
// decoded plain-text and HTML bodies in traversal order.
func collectParts(part *gmail.MessagePart) (plainText, htmlText string) {
	if part == nil {
		return "", ""
	}

	if part.Body != nil && part.Body.Data != "" {
		decoded, err := decodeBase64URL(part.Body.Data)
		if err != nil {
			logrus.Warnf("Could not decode body part (%s): %v", part.MimeType, err)
		} else {
			switch part.MimeType {
			case "text/plain":
				plainText += decoded + "\n"
			case "text/html":
				htmlText += decoded + "\n"
			}
		}
	}

	for _, subPart := range part.Parts {
		subPlain, subHTML := collectParts(subPart)
		plainText += subPlain
		htmlText += subHTML
	}

	return plainText, htmlText
}

// decodeBase64URL decodes Gmail body data, which is base64url and may or may
// not carry padding.
func decodeBase64URL(data string) (string, error) {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(decoded), nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("failed to decode body data: %w", err)
	}
	return string(decoded), nil
}

// IsUnread checks the current label state of a message
func (g *GmailClient) IsUnread(ctx context.Context, id string) bool {
	msg, err := g.service.Users.Messages.Get(g.userEmail, id).
		Format("metadata").
		Context(ctx).
		Do()
	if err != nil {
		if apiErr, ok := err.(*googleapi.Error); ok && apiErr.Code == 404 {
			// Deleted or archived, treat as read.
			logrus.Warnf("Message %s not found (404), treating as read", id)
			return false
		}
		// Fail open: never hide a message because of a transient error.
		logrus.Warnf("Error checking unread status for %s, assuming unread: %v", id, err)
		return true
	}

	for _, label := range msg.LabelIds {
		if label == "UNREAD" {
			return true
		}
	}
	return false
}

// Close closes the Gmail client
func (g *GmailClient) Close() error {
	// Gmail API service doesn't need explicit closing
	return nil
}

// IMAPClient implements MailboxClient over IMAP for deployments without
// Gmail API credentials. Message IDs are IMAP UIDs rendered as strings.
type IMAPClient struct {
	client *client.Client
	mu     sync.Mutex
}

// NewIMAPClient creates an IMAP mailbox client
func NewIMAPClient(config *GmailConfig) (*IMAPClient, error) {
	c, err := client.DialTLS(fmt.Sprintf("%s:%d", config.IMAPHost, config.IMAPPort), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(config.IMAPUser, config.IMAPPassword); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	return &IMAPClient{client: c}, nil
}

// ListUnread returns the UIDs of unseen INBOX messages
func (i *IMAPClient) ListUnread(ctx context.Context, max int64) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, err := i.client.Select("INBOX", true); err != nil {
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := i.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search unseen messages: %w", err)
	}

	if int64(len(uids)) > max {
		uids = uids[:max]
	}

	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

// FetchMessage fetches one message by UID
func (i *IMAPClient) FetchMessage(ctx context.Context, id string) (*EmailMessage, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid IMAP UID %q: %w", id, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, err := i.client.Select("INBOX", true); err != nil {
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- i.client.UidFetch(seqset, items, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		fetched = msg
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %s: %w", id, err)
	}
	if fetched == nil {
		return nil, fmt.Errorf("message %s not found", id)
	}

	email := &EmailMessage{ID: id}

	if fetched.Envelope != nil {
		email.Subject = fetched.Envelope.Subject
		email.Date = fetched.Envelope.Date.Format(time.RFC1123Z)
		if len(fetched.Envelope.From) > 0 {
			email.From = fetched.Envelope.From[0].Address()
		}
		if len(fetched.Envelope.To) > 0 {
			addrs := make([]string, 0, len(fetched.Envelope.To))
			for _, addr := range fetched.Envelope.To {
				addrs = append(addrs, addr.Address())
			}
			email.To = strings.Join(addrs, ", ")
		}
	}

	if err := parseIMAPBody(fetched, section, email); err != nil {
		logrus.Warnf("Failed to parse body of IMAP message %s: %v", id, err)
	}

	return email, nil
}

// parseIMAPBody extracts the textual body of an IMAP message, preferring
// plain text over stripped HTML.
func parseIMAPBody(msg *imap.Message, section *imap.BodySectionName, email *EmailMessage) error {
	r := msg.GetBody(section)
	if r == nil {
		return fmt.Errorf("failed to get message body")
	}

	entity, err := message.Read(r)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	var plainText, htmlText string

	if mr := entity.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to read part: %w", err)
			}

			content, err := io.ReadAll(p.Body)
			if err != nil {
				return fmt.Errorf("failed to read part body: %w", err)
			}

			contentType := p.Header.Get("Content-Type")
			if strings.Contains(contentType, "text/plain") {
				plainText += string(content) + "\n"
			} else if strings.Contains(contentType, "text/html") {
				htmlText += string(content) + "\n"
			}
		}
	} else {
		content, err := io.ReadAll(entity.Body)
		if err != nil {
			return fmt.Errorf("failed to read message body: %w", err)
		}

		contentType := entity.Header.Get("Content-Type")
		if strings.Contains(contentType, "text/html") {
			htmlText = string(content)
		} else {
			plainText = string(content)
		}
	}

	if strings.TrimSpace(plainText) != "" {
		email.Body = strings.TrimSpace(plainText)
	} else if strings.TrimSpace(htmlText) != "" {
		email.Body = stripHTMLTags(htmlText)
	}

	return nil
}

// IsUnread checks whether a message still lacks the \Seen flag
func (i *IMAPClient) IsUnread(ctx context.Context, id string) bool {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return false
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, err := i.client.Select("INBOX", true); err != nil {
		logrus.Warnf("Error checking unread status for %s, assuming unread: %v", id, err)
		return true
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- i.client.UidFetch(seqset, []imap.FetchItem{imap.FetchFlags, imap.FetchUid}, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		fetched = msg
	}
	if err := <-done; err != nil {
		logrus.Warnf("Error checking unread status for %s, assuming unread: %v", id, err)
		return true
	}
	if fetched == nil {
		// Message gone, treat as read.
		return false
	}

	for _, flag := range fetched.Flags {
		if flag == imap.SeenFlag {
			return false
		}
	}
	return true
}

// Close closes the IMAP client
func (i *IMAPClient) Close() error {
	return i.client.Logout()
}
