package receipt

import (
	"fmt"
	"time"

	"github.com/Dan9191/loan-service/internal/models"
	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ScheduleData is a loan's repayment schedule as handed to the client at origination
type ScheduleData struct {
	Client       *models.Client
	Loan         *models.Loan
	Installments []*models.Installment
	IssuedAt     time.Time
}

// ScheduleRenderer turns a repayment schedule into a document
type ScheduleRenderer interface {
	RenderSchedule(d ScheduleData) ([]byte, error)
}

// ScheduleKey is the storage path of a loan's schedule document
func ScheduleKey(clientID, loanID int64) string {
	return fmt.Sprintf("clientes/%d/prestamos/%d/cronograma/cronograma-prestamo-%d.xml", clientID, loanID, loanID)
}

func (r *XMLRenderer) RenderSchedule(d ScheduleData) ([]byte, error) {
	if d.Client == nil || d.Loan == nil || len(d.Installments) == 0 {
		return nil, fmt.Errorf("incomplete schedule data")
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("cronograma")
	root.CreateAttr("id", uuid.NewString())
	root.CreateAttr("emitido", d.IssuedAt.Format(time.RFC3339))
	root.CreateElement("emisor").SetText(r.issuer)

	client := root.CreateElement("cliente")
	client.CreateAttr("id", fmt.Sprint(d.Client.ID))
	client.CreateElement("dni").SetText(d.Client.DNI)
	client.CreateElement("nombre").SetText(d.Client.FullName())

	loan := root.CreateElement("prestamo")
	loan.CreateAttr("id", fmt.Sprint(d.Loan.ID))
	if d.Loan.GroupID != nil {
		loan.CreateAttr("grupo", fmt.Sprint(*d.Loan.GroupID))
	}
	loan.CreateElement("capital").SetText(d.Loan.Principal.StringFixed(2))
	loan.CreateElement("interes").SetText(d.Loan.InterestRate.StringFixed(2))
	loan.CreateElement("total").SetText(d.Loan.Total.StringFixed(2))
	loan.CreateElement("valor_cuota").SetText(d.Loan.InstallmentValue.StringFixed(2))
	loan.CreateElement("frecuencia").SetText(string(d.Loan.Frequency))
	loan.CreateElement("modalidad").SetText(string(d.Loan.Modality))
	loan.CreateElement("inicio").SetText(d.Loan.StartDate.Format("2006-01-02"))

	var capital, other, interest, amount decimal.Decimal
	list := root.CreateElement("cuotas")
	for _, inst := range d.Installments {
		row := list.CreateElement("cuota")
		row.CreateAttr("numero", fmt.Sprint(inst.Number))
		row.CreateElement("vencimiento").SetText(inst.DueDate.Format("2006-01-02"))
		row.CreateElement("capital").SetText(inst.Capital.StringFixed(2))
		row.CreateElement("otros").SetText(inst.OtherCharges.StringFixed(2))
		row.CreateElement("interes").SetText(inst.Interest.StringFixed(2))
		row.CreateElement("monto").SetText(inst.Amount.StringFixed(2))

		capital = capital.Add(inst.Capital)
		other = other.Add(inst.OtherCharges)
		interest = interest.Add(inst.Interest)
		amount = amount.Add(inst.Amount)
	}

	totals := root.CreateElement("totales")
	totals.CreateElement("capital").SetText(capital.StringFixed(2))
	totals.CreateElement("otros").SetText(other.StringFixed(2))
	totals.CreateElement("interes").SetText(interest.StringFixed(2))
	totals.CreateElement("monto").SetText(amount.StringFixed(2))

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to write schedule: %w", err)
	}
	return out, nil
}
