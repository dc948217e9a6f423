package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/logging"
)

const securityAlertSubject = "Security alert: suspicious sign-in activity"

const securityAlertText = `Hi {{.Name}},

A previously used session token for your account was presented again.
As a precaution we have signed you out everywhere.

Request origin: {{.IPAddress}}
Client: {{.UserAgent}}

If this was not you, please change your password now.
`

const securityAlertHTML = `<p>Hi {{.Name}},</p>
<p>A previously used session token for your account was presented again.
As a precaution we have signed you out everywhere.</p>
<p>Request origin: <strong>{{.IPAddress}}</strong><br>
Client: <strong>{{.UserAgent}}</strong></p>
<p>If this was not you, please change your password now.</p>
`

// Client is the slice of *mail.Client the service depends on.
type Client interface {
	DialAndSend(messages ...*mail.Msg) error
}

// Service sends transactional mail over SMTP.
type Service struct {
	config        *config.MailConfig
	client        Client
	alertTextTmpl *texttemplate.Template
	alertHTMLTmpl *htmltemplate.Template
	logger        *logging.Service
}

func NewService(cfg *config.MailConfig, logger *logging.Service) (*Service, error) {
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("MAIL_FROM_ADDRESS is required")
	}

	clientOpts := []mail.Option{
		mail.WithPort(cfg.Port),
	}

	switch cfg.Encryption {
	case "ssl":
		clientOpts = append(clientOpts, mail.WithSSL())
	case "none":
		clientOpts = append(clientOpts, mail.WithTLSPortPolicy(mail.NoTLS))
	default:
		clientOpts = append(clientOpts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	}

	if cfg.Username != "" {
		clientOpts = append(clientOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username))
	}
	if cfg.Password != "" {
		clientOpts = append(clientOpts, mail.WithPassword(cfg.Password))
	}

	client, err := mail.NewClient(cfg.Host, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail client: %w", err)
	}

	logger.Info("mail service initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("encryption", cfg.Encryption))

	return NewServiceWithClient(cfg, logger, client), nil
}

// NewServiceWithClient wires an explicit client, bypassing SMTP setup.
func NewServiceWithClient(cfg *config.MailConfig, logger *logging.Service, client Client) *Service {
	return &Service{
		config:        cfg,
		client:        client,
		alertTextTmpl: texttemplate.Must(texttemplate.New("security_alert").Parse(securityAlertText)),
		alertHTMLTmpl: htmltemplate.Must(htmltemplate.New("security_alert").Parse(securityAlertHTML)),
		logger:        logger,
	}
}

func (s *Service) newMessage() (*mail.Msg, error) {
	message := mail.NewMsg()

	from := s.config.FromAddress
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.FromAddress)
	}
	if err := message.From(from); err != nil {
		return nil, fmt.Errorf("failed to set FROM address: %w", err)
	}
	return message, nil
}

func (s *Service) send(message *mail.Msg) error {
	start := time.Now()
	if err := s.client.DialAndSend(message); err != nil {
		s.logger.Error("failed to send email",
			zap.Error(err),
			zap.Duration("attempt_duration", time.Since(start)))
		return err
	}

	s.logger.Info("email sent", zap.Duration("send_duration", time.Since(start)))
	return nil
}

// SendSecurityAlert notifies a user that their sessions were revoked after a
// reused refresh token. Data keys: Name, IPAddress, UserAgent.
func (s *Service) SendSecurityAlert(to string, data map[string]any) error {
	message, err := s.newMessage()
	if err != nil {
		return err
	}
	if err := message.To(to); err != nil {
		return fmt.Errorf("failed to set TO address: %w", err)
	}
	message.Subject(securityAlertSubject)

	var htmlBuf, textBuf bytes.Buffer
	if err := s.alertHTMLTmpl.Execute(&htmlBuf, data); err != nil {
		return fmt.Errorf("failed to render security alert: %w", err)
	}
	if err := s.alertTextTmpl.Execute(&textBuf, data); err != nil {
		return fmt.Errorf("failed to render security alert: %w", err)
	}
	message.SetBodyString(mail.TypeTextHTML, htmlBuf.String())
	message.AddAlternativeString(mail.TypeTextPlain, textBuf.String())

	return s.send(message)
}

// SendPlain sends an ad-hoc plain text message.
func (s *Service) SendPlain(to []string, subject, body string) error {
	message, err := s.newMessage()
	if err != nil {
		return err
	}
	if err := message.To(to...); err != nil {
		return fmt.Errorf("failed to set TO addresses: %w", err)
	}
	message.Subject(subject)
	message.SetBodyString(mail.TypeTextPlain, body)

	return s.send(message)
}
