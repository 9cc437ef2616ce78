// Package email delivers purchase notifications. Delivery failures never
// affect entitlement state; callers log and move on.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"text/template"

	"github.com/mrz1836/postmark"

	"github.com/ecoffie/market-assassin-sub003/internal/config"
	"github.com/ecoffie/market-assassin-sub003/internal/logger"
)

const (
	TemplatePurchaseConfirmation = "purchase-confirmation"
	TemplateAccessCode           = "access-code"
)

var (
	ErrFailedToSend    = errors.New("failed to send email")
	ErrUnknownTemplate = errors.New("unknown email template")
	ErrInvalidConfig   = errors.New("invalid email configuration")
)

type Message struct {
	To       string
	Template string
	Data     map[string]string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type rendered struct {
	Subject string
	Body    string
}

type mailTemplate struct {
	subject *template.Template
	body    *template.Template
}

var templates = map[string]mailTemplate{
	TemplatePurchaseConfirmation: {
		subject: template.Must(template.New("subject").Parse(`Your {{.Product}} access is ready`)),
		body: template.Must(template.New("body").Parse(`Hi {{if .CustomerName}}{{.CustomerName}}{{else}}there{{end}},

Thanks for your purchase of {{.Product}}{{if .Tier}} ({{.Tier}}){{end}}.
{{if .AccessURL}}
Open your access link:
{{.AccessURL}}
{{end}}
Activate on any device with this email address: {{.Email}}
`)),
	},
	TemplateAccessCode: {
		subject: template.Must(template.New("subject").Parse(`Your access code`)),
		body: template.Must(template.New("body").Parse(`Hi,

{{if .CompanyName}}{{.CompanyName}} has{{else}}You have{{end}} been invited. Your single-use access code is:

{{.Code}}
`)),
	},
}

func render(msg Message) (rendered, error) {
	tpl, ok := templates[msg.Template]
	if !ok {
		return rendered{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, msg.Template)
	}

	var subject, body bytes.Buffer
	if err := tpl.subject.Execute(&subject, msg.Data); err != nil {
		return rendered{}, err
	}
	if err := tpl.body.Execute(&body, msg.Data); err != nil {
		return rendered{}, err
	}
	return rendered{Subject: subject.String(), Body: body.String()}, nil
}

// New picks the sender configured by EMAIL_SERVICE.
func New(cfg *config.Config) (Sender, error) {
	switch cfg.EmailService {
	case "postmark":
		return NewPostmarkSender(cfg.PostmarkServerToken, cfg.PostmarkAccountToken, cfg.EmailFrom)
	case "smtp":
		return &SMTPSender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		}, nil
	default:
		return LogSender{}, nil
	}
}

type PostmarkSender struct {
	client *postmark.Client
	from   string
}

func NewPostmarkSender(serverToken, accountToken, from string) (*PostmarkSender, error) {
	if serverToken == "" || accountToken == "" {
		return nil, fmt.Errorf("%w: postmark tokens are required", ErrInvalidConfig)
	}
	if from == "" {
		return nil, fmt.Errorf("%w: sender address is required", ErrInvalidConfig)
	}
	return &PostmarkSender{
		client: postmark.NewClient(serverToken, accountToken),
		from:   from,
	}, nil
}

func (p *PostmarkSender) Send(ctx context.Context, msg Message) error {
	r, err := render(msg)
	if err != nil {
		return err
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:     p.from,
		To:       msg.To,
		Subject:  r.Subject,
		TextBody: r.Body,
		Tag:      msg.Template,
	})
	if err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSend, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

type SMTPSender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string

	// sendMail is smtp.SendMail outside tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if s.Host == "" || s.Port == "" || s.Username == "" || s.Password == "" {
		logger.Error("SMTP configuration missing")
		return fmt.Errorf("%w: SMTP configuration missing", ErrInvalidConfig)
	}

	r, err := render(msg)
	if err != nil {
		return err
	}

	from := s.From
	if from == "" {
		from = s.Username
	}

	auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
	body := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", from, msg.To, r.Subject, r.Body))

	send := s.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(fmt.Sprintf("%s:%s", s.Host, s.Port), auth, from, []string{msg.To}, body); err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	return nil
}

// LogSender renders messages and logs them instead of delivering.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	r, err := render(msg)
	if err != nil {
		return err
	}
	logger.Info("Email not delivered (log sender)", map[string]interface{}{
		"to":       logger.MaskEmail(msg.To),
		"template": msg.Template,
		"subject":  r.Subject,
	})
	return nil
}
