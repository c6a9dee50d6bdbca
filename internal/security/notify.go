package security

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/wneessen/go-mail"
	"gorm.io/gorm"

	"kioskadmin/internal/logs"
	"kioskadmin/internal/models"
)

// Mailer sends one plain text message.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// SMTPMailer delivers through an SMTP relay, upgrading to TLS when the relay
// offers STARTTLS. Host empty disables it.
type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// headerText folds control characters, line breaks included, into spaces.
func headerText(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsControl(r) || unicode.IsSpace(r)
	}), " ")
}

func (m SMTPMailer) message(to []string, subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return nil, fmt.Errorf("mail from: %w", err)
	}
	if err := msg.To(to...); err != nil {
		return nil, fmt.Errorf("mail to: %w", err)
	}
	msg.Subject(headerText(subject))
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

func (m SMTPMailer) Send(ctx context.Context, to []string, subject, body string) error {
	if m.Host == "" {
		return fmt.Errorf("mail is not configured")
	}
	msg, err := m.message(to, subject, body)
	if err != nil {
		return err
	}
	opts := []mail.Option{
		mail.WithPort(m.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(30 * time.Second),
	}
	if m.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.Username),
			mail.WithPassword(m.Password))
	}
	c, err := mail.NewClient(m.Host, opts...)
	if err != nil {
		return fmt.Errorf("mail client: %w", err)
	}
	return c.DialAndSendWithContext(ctx, msg)
}

// Notifier mails security events to the supervisors of the PC's groups,
// falling back to the problem's alert users.
type Notifier struct {
	db     *gorm.DB
	mailer Mailer
}

func NewNotifier(gdb *gorm.DB, m Mailer) *Notifier { return &Notifier{db: gdb, mailer: m} }

func Subject(pc, problem string) string {
	return fmt.Sprintf("Sikkerhedsadvarsel for PC : %s. Sikkerhedsregel : %s", pc, problem)
}

// Recipients returns the mail addresses to notify about ev, sorted.
func (n *Notifier) Recipients(ctx context.Context, ev *models.SecurityEvent) ([]string, error) {
	db := n.db.WithContext(ctx)
	var emails []string
	err := db.Table("users").
		Joins("JOIN group_supervisors ON group_supervisors.user_id = users.id").
		Joins("JOIN pc_group_members ON pc_group_members.pc_group_id = group_supervisors.pc_group_id").
		Where("pc_group_members.pc_id = ? AND users.deleted_at IS NULL AND users.email <> ''", ev.PCID).
		Distinct().Pluck("users.email", &emails).Error
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		err = db.Table("users").
			Joins("JOIN security_problem_alert_users ON security_problem_alert_users.user_id = users.id").
			Where("security_problem_alert_users.security_problem_id = ? AND users.deleted_at IS NULL AND users.email <> ''", ev.ProblemID).
			Distinct().Pluck("users.email", &emails).Error
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(emails)
	return emails, nil
}

// Notify mails ev to its recipients. Failures are logged and reported as
// false.
func (n *Notifier) Notify(ctx context.Context, ev *models.SecurityEvent) bool {
	log := logs.For(ctx, "security", "notify").WithField("event", ev.ID)
	to, err := n.Recipients(ctx, ev)
	if err != nil {
		log.WithError(err).Error("resolve recipients")
		return false
	}
	if len(to) == 0 {
		log.Info("no recipients for security event")
		return false
	}
	pcName, problemName, level := "", "", ""
	if ev.PC != nil {
		pcName = ev.PC.Name
	}
	if ev.Problem != nil {
		problemName, level = ev.Problem.Name, ev.Problem.Level
	}
	body := fmt.Sprintf("Computer: %s\nSecurity rule: %s\nLevel: %s\nOccurred: %s\n\n%s\n",
		pcName, problemName, level, ev.OccurredTime.Format("2006-01-02 15:04:05"), ev.Summary)
	if err := n.mailer.Send(ctx, to, Subject(pcName, problemName), body); err != nil {
		log.WithError(err).Warn("security mail failed")
		return false
	}
	log.WithField("recipients", len(to)).Info("security mail sent")
	return true
}
