package notify

import (
	"fmt"
	"net/smtp"

	"github.com/Dan9191/loan-service/internal/config"
	"github.com/Dan9191/loan-service/internal/models"
	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"
)

// Sender handles sending emails via SMTP
type Sender struct {
	cfg    *config.Config
	logger *logrus.Logger
	send   func(e *email.Email, addr string, auth smtp.Auth) error
}

// NewSender creates a new email sender
func NewSender(cfg *config.Config, logger *logrus.Logger) *Sender {
	return &Sender{
		cfg:    cfg,
		logger: logger,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

// SendOverdueNotice tells a client that an installment is overdue and what it now costs
func (s *Sender) SendOverdueNotice(client *models.Client, loan *models.Loan, inst *models.Installment) error {
	if client.Email == "" {
		return fmt.Errorf("client %d has no email address", client.ID)
	}
	e := s.overdueNotice(client, loan, inst)

	addr := fmt.Sprintf("%s:%s", s.cfg.SMTPHost, s.cfg.SMTPPort)
	auth := smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	if err := s.send(e, addr, auth); err != nil {
		s.logger.Errorf("Failed to send email to %s: %v", client.Email, err)
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"loan_id":        loan.ID,
		"installment_id": inst.ID,
	}).Infof("Email sent to %s: %s", client.Email, e.Subject)
	return nil
}

func (s *Sender) overdueNotice(client *models.Client, loan *models.Loan, inst *models.Installment) *email.Email {
	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{client.Email}
	e.Subject = fmt.Sprintf("Installment %d of loan %d is overdue", inst.Number, loan.ID)

	body := fmt.Sprintf("Dear %s,\n\n", client.FullName())
	body += fmt.Sprintf(
		"Installment %d of your loan %d was due on %s and is %d days overdue.\n"+
			"Late charges so far: S/ %s\n"+
			"Amount now due: S/ %s\n"+
			"Please pay as soon as possible to avoid further charges.\n",
		inst.Number, loan.ID, inst.DueDate.Format("2006-01-02"), inst.OverdueDays,
		inst.LateCharge.StringFixed(2), inst.Amount.StringFixed(2),
	)
	body += "\nBest regards,\n" + s.cfg.ReceiptIssuer
	e.Text = []byte(body)
	return e
}
