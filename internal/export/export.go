// Package export renders the account listing as a spreadsheet, a PDF or CSV
// and can push the result to an S3-compatible bucket.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"quotawarden/internal/admin"
	"quotawarden/internal/policy"
)

type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
	FormatCSV  Format = "csv"
)

var ErrUnknownFormat = errors.New("unknown export format")

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatXLSX, FormatPDF, FormatCSV:
		return f, nil
	case "":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	default:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
}

// Filename is the download name for a report generated at t.
func Filename(f Format, t time.Time) string {
	return fmt.Sprintf("accounts_%s.%s", t.Format("20060102_1504"), f)
}

var headers = []string{
	"Account", "Status", "Tier", "Quota (GiB)", "Used (GiB)", "Lifetime (GiB)",
	"Expiry", "Online", "Payment", "Next payment", "Price", "Folder", "Notes",
}

func gib(b uint64) string {
	return strconv.FormatFloat(float64(b)/float64(policy.GiB), 'f', 2, 64)
}

func row(v admin.AccountView) []string {
	status := "passive"
	if v.Enabled {
		status = "active"
	}
	quota := "unlimited"
	if v.QuotaBytes > 0 {
		quota = gib(v.QuotaBytes)
	}
	expiry := "never"
	if !v.ExpiryDate.IsZero() {
		expiry = v.ExpiryDate.String()
	}
	return []string{
		v.Key,
		status,
		string(v.Tier),
		quota,
		gib(v.UsedBytes),
		gib(v.LifetimeBytes),
		expiry,
		v.LastSeen,
		string(v.PaymentStatus),
		v.NextPaymentDate.String(),
		strconv.FormatFloat(v.MonthlyPrice, 'f', 2, 64),
		v.Folder,
		v.Notes,
	}
}

// Write renders accounts in format f to w.
func Write(w io.Writer, f Format, accounts []admin.AccountView) error {
	switch f {
	case FormatXLSX:
		return WriteXLSX(w, accounts)
	case FormatPDF:
		return WritePDF(w, accounts)
	case FormatCSV:
		return WriteCSV(w, accounts)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

func WriteCSV(w io.Writer, accounts []admin.AccountView) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return err
	}
	for _, v := range accounts {
		if err := cw.Write(row(v)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

const sheetName = "Accounts"

func WriteXLSX(w io.Writer, accounts []admin.AccountView) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return err
		}
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4F46E5"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	if err := f.SetCellStyle(sheetName, "A1", lastCol+"1", headerStyle); err != nil {
		return err
	}
	passiveStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Color: "#EF4444"}})
	if err != nil {
		return err
	}

	for i, v := range accounts {
		r := i + 2
		for j, val := range row(v) {
			cell, _ := excelize.CoordinatesToCellName(j+1, r)
			if err := f.SetCellValue(sheetName, cell, val); err != nil {
				return err
			}
		}
		if !v.Enabled {
			cell := fmt.Sprintf("B%d", r)
			_ = f.SetCellStyle(sheetName, cell, cell, passiveStyle)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 24)
	_ = f.SetColWidth(sheetName, "B", "L", 14)
	_ = f.SetColWidth(sheetName, lastCol, lastCol, 40)
	return f.Write(w)
}

func WritePDF(w io.Writer, accounts []admin.AccountView) error {
	pdf := gofpdf.New("L", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 10, "Account report", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	// Notes are left out; they do not fit a landscape row.
	cols := headers[:len(headers)-1]
	widths := []float64{42, 16, 18, 20, 20, 22, 22, 16, 18, 24, 16, 20}

	pdf.SetFont("Arial", "B", 8)
	pdf.SetFillColor(40, 40, 40)
	pdf.SetTextColor(255, 255, 255)
	for i, h := range cols {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	pdf.SetTextColor(50, 50, 50)
	for _, v := range accounts {
		cells := row(v)
		for i := range cols {
			pdf.CellFormat(widths[i], 6, tr(cells[i]), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	if err := pdf.Error(); err != nil {
		return err
	}
	return pdf.Output(w)
}
