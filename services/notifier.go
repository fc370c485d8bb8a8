package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/replisync/config"
	"github.com/yeremiapane/replisync/events"
	"github.com/yeremiapane/replisync/utils"
	"gorm.io/gorm"
)

// ConflictNotice is the single aggregated notification sent per conflicting entry.
type ConflictNotice struct {
	ChangeLogID  uint64    `json:"change_log_id"`
	TableName    string    `json:"table_name"`
	RecordID     string    `json:"record_id"`
	SourceNode   string    `json:"source_node"`
	TargetNodes  []string  `json:"target_nodes"`
	ConflictType string    `json:"conflict_type"`
	Time         time.Time `json:"time"`
}

type Notifier interface {
	NotifyConflict(ctx context.Context, n ConflictNotice) error
}

// LogNotifier writes notices to the sync log only.
type LogNotifier struct{}

func (LogNotifier) NotifyConflict(_ context.Context, n ConflictNotice) error {
	utils.SyncLogger.WithFields(logrus.Fields{
		"log_id":        n.ChangeLogID,
		"table":         n.TableName,
		"record":        n.RecordID,
		"source":        n.SourceNode,
		"targets":       strings.Join(n.TargetNodes, ","),
		"conflict_type": n.ConflictType,
	}).Warn("Sync conflict detected")
	return nil
}

// HubNotifier pushes notices to connected operator consoles.
type HubNotifier struct {
	Hub events.Broadcaster
}

func (h HubNotifier) NotifyConflict(_ context.Context, n ConflictNotice) error {
	h.Hub.Broadcast(events.EventConflictDetected, n)
	return nil
}

// MultiNotifier fans out to every notifier and returns the first error.
type MultiNotifier []Notifier

func (m MultiNotifier) NotifyConflict(ctx context.Context, n ConflictNotice) error {
	var first error
	for _, notifier := range m {
		if err := notifier.NotifyConflict(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

const smtpDialTimeout = 10 * time.Second

// SMTPNotifier mails administrators. Recipients come from NOTIFY_RECIPIENTS, or
// from the admin accounts in system_users on the current primary when unset.
type SMTPNotifier struct {
	cfg      config.SMTPConfig
	primary  PrimaryResolver
	sendMail sendMailFunc
}

func NewSMTPNotifier(cfg config.SMTPConfig, primary PrimaryResolver) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, primary: primary, sendMail: sendMail}
}

func (s *SMTPNotifier) NotifyConflict(ctx context.Context, n ConflictNotice) error {
	to, err := s.recipients(ctx)
	if err != nil {
		return fmt.Errorf("resolve notification recipients: %w", err)
	}
	if len(to) == 0 {
		utils.SyncLogger.Warn("No notification recipients configured, conflict mail skipped")
		return nil
	}

	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}
	from := s.cfg.From
	if from == "" {
		from = s.cfg.User
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.sendMail(ctx, addr, auth, from, to, conflictMail(from, to, n)); err != nil {
		return fmt.Errorf("send conflict mail: %w", err)
	}
	return nil
}

// sendMail is smtp.SendMail with a bounded dial and the context deadline
// applied to the whole session.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	dialer := net.Dialer{Timeout: smtpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return err
		}
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	wc, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(msg); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (s *SMTPNotifier) recipients(ctx context.Context) ([]string, error) {
	if len(s.cfg.Recipients) > 0 {
		return s.cfg.Recipients, nil
	}
	if s.primary == nil {
		return nil, nil
	}
	node, err := s.primary.Primary(ctx)
	if err != nil {
		return nil, err
	}
	return AdminEmails(ctx, node.DB)
}

// AdminEmails lists the email addresses of active admin accounts.
func AdminEmails(ctx context.Context, db *gorm.DB) ([]string, error) {
	var emails []string
	err := db.WithContext(ctx).Table("system_users").
		Where("role IN ? AND is_deleted = 0 AND email IS NOT NULL AND email <> ''", []string{"admin", "super_admin"}).
		Pluck("email", &emails).Error
	return emails, err
}

func conflictMail(from string, to []string, n ConflictNotice) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [replisync] %s conflict on %s #%s\r\n", n.ConflictType, n.TableName, n.RecordID)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&b, "A replication conflict needs review.\r\n\r\n")
	fmt.Fprintf(&b, "Table:        %s\r\n", n.TableName)
	fmt.Fprintf(&b, "Record:       %s\r\n", n.RecordID)
	fmt.Fprintf(&b, "Source node:  %s\r\n", n.SourceNode)
	fmt.Fprintf(&b, "Target nodes: %s\r\n", strings.Join(n.TargetNodes, ", "))
	fmt.Fprintf(&b, "Type:         %s\r\n", n.ConflictType)
	fmt.Fprintf(&b, "Detected at:  %s\r\n", n.Time.Format(time.RFC3339))
	fmt.Fprintf(&b, "Change log:   %d\r\n", n.ChangeLogID)
	return []byte(b.String())
}
