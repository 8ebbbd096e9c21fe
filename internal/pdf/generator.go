package pdf

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"

	"github.com/monkeysworks/settlement/internal/model"
)

type Generator struct {
	fontName string
}

func NewGenerator() *Generator {
	return &Generator{fontName: "Helvetica"}
}

func (g *Generator) Generate(doc model.InvoiceDocument) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()

	pdf.SetFont(g.fontName, "B", 16)
	pdf.CellFormat(0, 10, "INVOICE", "", 1, "C", false, 0, "")

	pdf.SetFont(g.fontName, "", 11)
	pdf.CellFormat(0, 6, fmt.Sprintf("Invoice %s", doc.Invoice.Number), "", 1, "C", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Issued %s", formatDate(doc.Invoice.IssuedAt)), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont(g.fontName, "B", 12)
	pdf.CellFormat(0, 8, "Contract", "", 1, "L", false, 0, "")
	pdf.SetFont(g.fontName, "", 10)
	pdf.MultiCell(0, 5, doc.Contract.Title, "", "L", false)
	pdf.CellFormat(0, 5, fmt.Sprintf("Client: %s", doc.Invoice.ClientID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 5, fmt.Sprintf("Freelancer: %s", doc.Invoice.FreelancerID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 5, fmt.Sprintf("Status: %s", strings.ToUpper(string(doc.Invoice.Status))), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	headers := []string{"Description", "Qty", "Unit price", "Amount"}
	colWidths := []float64{100, 20, 30, 30}
	g.drawTableRow(pdf, headers, colWidths, true)

	for _, line := range doc.Invoice.Lines {
		row := []string{
			line.Description,
			line.Quantity.String(),
			formatMoney(line.UnitPrice, doc.Invoice.Currency),
			formatMoney(line.Amount, doc.Invoice.Currency),
		}
		g.drawTableRow(pdf, row, colWidths, false)
	}

	pdf.Ln(2)
	pdf.SetFont(g.fontName, "", 11)
	pdf.CellFormat(0, 6, fmt.Sprintf("Subtotal: %s", formatMoney(doc.Invoice.Subtotal, doc.Invoice.Currency)), "", 1, "R", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Fees: %s", formatMoney(doc.Invoice.FeeAmount, doc.Invoice.Currency)), "", 1, "R", false, 0, "")
	pdf.SetFont(g.fontName, "B", 12)
	pdf.CellFormat(0, 8, fmt.Sprintf("Total: %s", formatMoney(doc.Invoice.Total, doc.Invoice.Currency)), "", 1, "R", false, 0, "")

	if doc.Invoice.PaidAt != nil {
		pdf.SetFont(g.fontName, "", 10)
		pdf.CellFormat(0, 6, fmt.Sprintf("Paid on %s", formatDate(doc.Invoice.PaidAt)), "", 1, "R", false, 0, "")
	} else if doc.Invoice.DueAt != nil {
		pdf.SetFont(g.fontName, "", 10)
		pdf.CellFormat(0, 6, fmt.Sprintf("Due by %s", formatDate(doc.Invoice.DueAt)), "", 1, "R", false, 0, "")
	}

	if doc.Invoice.Notes != nil && strings.TrimSpace(*doc.Invoice.Notes) != "" {
		pdf.Ln(4)
		pdf.SetFont(g.fontName, "B", 11)
		pdf.CellFormat(0, 6, "Notes", "", 1, "L", false, 0, "")
		pdf.SetFont(g.fontName, "", 10)
		pdf.MultiCell(0, 5, *doc.Invoice.Notes, "", "L", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *Generator) drawTableRow(pdf *gofpdf.Fpdf, cols []string, widths []float64, header bool) {
	style := ""
	if header {
		style = "B"
	}
	pdf.SetFont(g.fontName, style, 10)
	for i, col := range cols {
		align := "L"
		if i > 0 {
			align = "R"
		}
		pdf.CellFormat(widths[i], 8, col, "1", 0, align, false, 0, "")
	}
	pdf.Ln(-1)
}

func formatMoney(value decimal.Decimal, currency string) string {
	return fmt.Sprintf("%s %s", value.StringFixed(2), currency)
}

func formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}
