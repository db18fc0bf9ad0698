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

func TestScheduleKey(t *testing.T) {
	assert.Equal(t, "clientes/4/prestamos/12/cronograma/cronograma-prestamo-12.xml", ScheduleKey(4, 12))
}

func TestXMLRendererRenderSchedule(t *testing.T) {
	group := int64(3)
	data := ScheduleData{
		Client: &models.Client{ID: 4, DNI: "45871236", FirstName: "Rosa", LastName: "Quispe"},
		Loan: &models.Loan{ID: 12, GroupID: &group, Principal: decimal.NewFromInt(1000), InterestRate: decimal.NewFromInt(10),
			Total: decimal.NewFromInt(1111), InstallmentValue: decimal.RequireFromString("555.50"),
			Frequency: models.FrequencyMonthly, Modality: models.ModalityNew, InstallmentCount: 2,
			StartDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)},
		IssuedAt: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
	}
	for n, due := range []time.Time{
		time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	} {
		data.Installments = append(data.Installments, &models.Installment{
			Number: n + 1, DueDate: due, Amount: decimal.RequireFromString("555.50"),
			Capital: decimal.NewFromInt(500), OtherCharges: decimal.NewFromInt(5), Interest: decimal.RequireFromString("50.50"),
		})
	}

	out, err := NewXMLRenderer("Financiera").RenderSchedule(data)
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(out))
	root := doc.SelectElement("cronograma")
	require.NotNil(t, root)
	assert.Equal(t, "3", root.FindElement("./prestamo").SelectAttrValue("grupo", ""))

	rows := root.FindElements("./cuotas/cuota")
	require.Len(t, rows, 2)
	assert.Equal(t, "2", rows[1].SelectAttrValue("numero", ""))
	assert.Equal(t, "2026-03-10", rows[1].FindElement("./vencimiento").Text())
	assert.Equal(t, "1111.00", root.FindElement("./totales/monto").Text())
	assert.Equal(t, "1000.00", root.FindElement("./totales/capital").Text())
}

func TestXMLRendererRejectsEmptySchedule(t *testing.T) {
	_, err := NewXMLRenderer("Financiera").RenderSchedule(ScheduleData{
		Client: &models.Client{ID: 1},
		Loan:   &models.Loan{ID: 1},
	})
	assert.Error(t, err)
}
