package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	mail "gopkg.in/mail.v2"

	contractx "github.com/curahealth/cura-agent/agent/contract"
)

type Config struct {
	Host     string        `split_words:"true" required:"true"`
	Port     int           `split_words:"true" default:"465"`
	Username string        `split_words:"true" required:"true"`
	Password string        `split_words:"true" required:"true"`
	From     string        `split_words:"true" required:"true"`
	To       string        `split_words:"true" required:"true"`
	Timeout  time.Duration `split_words:"true" default:"15s"`
}

const intakeSubject = "Información de paciente - CuraAI 🤖"

// Field order here matches the doctor's fixed template and must be kept.
const intakeBodyTemplate = `<html>
<body style="font-family: Arial, sans-serif; background-color: white; margin: 0; padding: 20px;">
  <div style="max-width: 600px; background: #61A5C2; border-radius: 10px; padding: 20px;">
    <h1 style="color: white">CuraAI</h1>
    <h2 style="color: white;">Hola doctor/a, soy Cura, le envío la información del paciente.</h2>
    <p style="color: white;">Nombre: {{.Name}}</p>
    <p style="color: white;">Apellido: {{.Surname}}</p>
    <p style="color: white;">Sexo: {{.Sex}}</p>
    <p style="color: white;">Fecha de nacimiento: {{.BirthDate}}</p>
    <p style="color: white;">Cobertura médica: {{.Insurance}}</p>
    <p style="color: white;">Resumen de la situación del paciente: {{.ClinicalSummary}}</p>
  </div>
</body>
</html>`

var intakeTmpl = template.Must(template.New("intake").Parse(intakeBodyTemplate))

// Client sends the terminal intake notification over SMTP.
type Client struct {
	dialer *mail.Dialer
	from   string
	to     string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" || strings.TrimSpace(cfg.To) == "" {
		return nil, errors.New("sender and receiver addresses are required")
	}

	dialer := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.Timeout > 0 {
		dialer.Timeout = cfg.Timeout
	}

	return &Client{
		dialer: dialer,
		from:   strings.TrimSpace(cfg.From),
		to:     strings.TrimSpace(cfg.To),
	}, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

func (c *Client) SendIntake(ctx context.Context, n contractx.IntakeNotification) error {
	if c == nil || c.dialer == nil {
		return errors.New("mailer is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := RenderIntake(n)
	if err != nil {
		return err
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", c.from)
	msg.SetHeader("To", c.to)
	msg.SetHeader("Subject", intakeSubject)
	msg.SetBody("text/html", body)

	if err := c.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send intake email: %w", err)
	}
	return nil
}

// RenderIntake renders the doctor-facing HTML body. Exposed so tests can
// check the template order without an SMTP server.
func RenderIntake(n contractx.IntakeNotification) (string, error) {
	var buf bytes.Buffer
	if err := intakeTmpl.Execute(&buf, n); err != nil {
		return "", fmt.Errorf("render intake body: %w", err)
	}
	return buf.String(), nil
}
