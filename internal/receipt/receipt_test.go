package receipt

import (
	"testing"
	"time"

	"github.com/Dan9191/loan-service/internal/models"
	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	paidOn := time.Date(2026, 3, 9, 16, 30, 0, 0, time.UTC)
	assert.Equal(t,
		"clientes/4/prestamos/12/cuotas/88/comprobantepago/comprobante-pago-301-09-03-2026.xml",
		Key(4, 12, 88, 301, paidOn))
}

func TestXMLRendererRender(t *testing.T) {
	data := Data{
		Client: &models.Client{ID: 4, DNI: "45871236", FirstName: "Rosa", LastName: "Quispe"},
		Loan: &models.Loan{ID: 12, Principal: decimal.NewFromInt(1000), Total: decimal.NewFromInt(1111),
			Frequency: models.FrequencyMonthly, InstallmentCount: 4},
		Installment: &models.Installment{ID: 88, Number: 2, Amount: decimal.RequireFromString("277.75"),
			DueDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), State: models.InstallmentPaid},
		Payment: &models.Payment{ID: 301, AmountPaid: decimal.NewFromInt(300), Surplus: decimal.RequireFromString("22.25"),
			Modality: models.PaymentInPerson, OperationRef: "OP-1"},
		IssuedAt: time.Date(2026, 3, 9, 16, 30, 0, 0, time.UTC),
	}

	out, err := NewXMLRenderer("Financiera").Render(data)
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(out))
	root := doc.SelectElement("comprobante")
	require.NotNil(t, root)
	assert.NotEmpty(t, root.SelectAttrValue("id", ""))
	assert.Equal(t, "Rosa Quispe", root.FindElement("./cliente/nombre").Text())
	assert.Equal(t, "277.75", root.FindElement("./cuota/monto").Text())
	assert.Equal(t, "22.25", root.FindElement("./pago/excedente").Text())
	assert.Equal(t, "OP-1", root.FindElement("./pago/operacion").Text())
}

func TestXMLRendererRejectsIncompleteData(t *testing.T) {
	_, err := NewXMLRenderer("Financiera").Render(Data{})
	assert.Error(t, err)
}
