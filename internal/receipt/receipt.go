package receipt

import (
	"fmt"
	"time"

	"github.com/Dan9191/loan-service/internal/models"
	"github.com/beevik/etree"
	"github.com/google/uuid"
)

// Data is everything a payment receipt shows
type Data struct {
	Client      *models.Client
	Loan        *models.Loan
	Installment *models.Installment
	Payment     *models.Payment
	IssuedAt    time.Time
}

// Renderer turns receipt data into a document
type Renderer interface {
	Render(d Data) ([]byte, error)
}

// Key is the storage path of the receipt for a payment
func Key(clientID, loanID, installmentID, paymentID int64, paidOn time.Time) string {
	return fmt.Sprintf("clientes/%d/prestamos/%d/cuotas/%d/comprobantepago/comprobante-pago-%d-%s.xml",
		clientID, loanID, installmentID, paymentID, paidOn.Format("02-01-2006"))
}

// XMLRenderer renders receipts as XML comprobante documents
type XMLRenderer struct {
	issuer string
}

// NewXMLRenderer creates a renderer that stamps documents with the issuer name
func NewXMLRenderer(issuer string) *XMLRenderer {
	return &XMLRenderer{issuer: issuer}
}

func (r *XMLRenderer) Render(d Data) ([]byte, error) {
	if d.Client == nil || d.Loan == nil || d.Installment == nil || d.Payment == nil {
		return nil, fmt.Errorf("incomplete receipt data")
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("comprobante")
	root.CreateAttr("id", uuid.NewString())
	root.CreateAttr("emitido", d.IssuedAt.Format(time.RFC3339))
	root.CreateElement("emisor").SetText(r.issuer)

	client := root.CreateElement("cliente")
	client.CreateAttr("id", fmt.Sprint(d.Client.ID))
	client.CreateElement("dni").SetText(d.Client.DNI)
	client.CreateElement("nombre").SetText(d.Client.FullName())

	loan := root.CreateElement("prestamo")
	loan.CreateAttr("id", fmt.Sprint(d.Loan.ID))
	loan.CreateElement("capital").SetText(d.Loan.Principal.StringFixed(2))
	loan.CreateElement("total").SetText(d.Loan.Total.StringFixed(2))
	loan.CreateElement("frecuencia").SetText(string(d.Loan.Frequency))
	loan.CreateElement("cuotas").SetText(fmt.Sprint(d.Loan.InstallmentCount))

	inst := root.CreateElement("cuota")
	inst.CreateAttr("id", fmt.Sprint(d.Installment.ID))
	inst.CreateAttr("numero", fmt.Sprint(d.Installment.Number))
	inst.CreateElement("vencimiento").SetText(d.Installment.DueDate.Format("2006-01-02"))
	inst.CreateElement("monto").SetText(d.Installment.Amount.StringFixed(2))
	inst.CreateElement("mora").SetText(d.Installment.LateCharge.StringFixed(2))
	inst.CreateElement("dias_mora").SetText(fmt.Sprint(d.Installment.OverdueDays))
	inst.CreateElement("estado").SetText(string(d.Installment.State))

	pay := root.CreateElement("pago")
	pay.CreateAttr("id", fmt.Sprint(d.Payment.ID))
	pay.CreateElement("fecha").SetText(d.Payment.PaidOn.Format("2006-01-02 15:04:05"))
	pay.CreateElement("monto").SetText(d.Payment.AmountPaid.StringFixed(2))
	pay.CreateElement("excedente").SetText(d.Payment.Surplus.StringFixed(2))
	pay.CreateElement("modalidad").SetText(string(d.Payment.Modality))
	if d.Payment.OperationRef != "" {
		pay.CreateElement("operacion").SetText(d.Payment.OperationRef)
	}

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to write receipt: %w", err)
	}
	return out, nil
}
