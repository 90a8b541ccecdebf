package remittance

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/csv"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/wakala/paysettle/internal/currency"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/repository"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

var csvHeader = []string{
	"loan_id", "principal_minor", "interest_minor", "fees_minor", "investor_share_minor", "servicer_fee_minor",
}

const xlsxSheet = "Remittance"

// ContentType returns the MIME type served for an export format.
func ContentType(f domain.ExportFormat) string {
	switch f {
	case domain.ExportCSV:
		return "text/csv"
	case domain.ExportXML:
		return "application/xml"
	case domain.ExportXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/octet-stream"
}

// Render produces the investor file for a cycle in the given format.
func Render(f domain.ExportFormat, c *domain.RemittanceCycle, items []domain.RemittanceItem, currencyCode string) ([]byte, error) {
	switch f {
	case domain.ExportCSV:
		return renderCSV(items)
	case domain.ExportXML:
		return renderXML(c, items, currencyCode)
	case domain.ExportXLSX:
		return renderXLSX(c, items, currencyCode)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
}

func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func renderCSV(items []domain.RemittanceItem) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, it := range items {
		err := w.Write([]string{
			it.LoanID,
			strconv.FormatInt(it.PrincipalMinor, 10),
			strconv.FormatInt(it.InterestMinor, 10),
			strconv.FormatInt(it.FeesMinor, 10),
			strconv.FormatInt(it.InvestorShareMinor, 10),
			strconv.FormatInt(it.ServicerFeeMinor, 10),
		})
		if err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

type xmlReport struct {
	XMLName     xml.Name   `xml:"RemittanceReport"`
	CycleID     string     `xml:"cycleId,attr"`
	ContractID  string     `xml:"contractId,attr"`
	InvestorID  string     `xml:"investorId,attr"`
	PeriodStart string     `xml:"periodStart,attr"`
	PeriodEnd   string     `xml:"periodEnd,attr"`
	Loans       []xmlLoan  `xml:"Loan"`
	Summary     xmlSummary `xml:"Summary"`
}

type xmlLoan struct {
	LoanID             string `xml:"loan_id"`
	PrincipalMinor     int64  `xml:"principal_minor"`
	InterestMinor      int64  `xml:"interest_minor"`
	FeesMinor          int64  `xml:"fees_minor"`
	InvestorShareMinor int64  `xml:"investor_share_minor"`
	ServicerFeeMinor   int64  `xml:"servicer_fee_minor"`
}

type xmlSummary struct {
	Currency       string `xml:"currency,attr"`
	LoanCount      int    `xml:"LoanCount"`
	TotalCollected string `xml:"TotalCollected"`
	InvestorDue    string `xml:"InvestorDue"`
	ServicerFee    string `xml:"ServicerFee"`
}

func renderXML(c *domain.RemittanceCycle, items []domain.RemittanceItem, currencyCode string) ([]byte, error) {
	exp, err := currency.Exponent(currencyCode)
	if err != nil {
		return nil, err
	}
	major := func(minor int64) string {
		d, _ := currency.ToMajor(minor, currencyCode)
		return d.StringFixed(exp)
	}

	r := xmlReport{
		CycleID:     c.ID,
		ContractID:  c.ContractID,
		InvestorID:  c.InvestorID,
		PeriodStart: c.PeriodStart,
		PeriodEnd:   c.PeriodEnd,
		Summary: xmlSummary{
			Currency:       currencyCode,
			LoanCount:      len(items),
			TotalCollected: major(c.TotalCollectedMinor),
			InvestorDue:    major(c.InvestorDueMinor),
			ServicerFee:    major(c.ServicerFeeMinor),
		},
	}
	for _, it := range items {
		r.Loans = append(r.Loans, xmlLoan{
			LoanID:             it.LoanID,
			PrincipalMinor:     it.PrincipalMinor,
			InterestMinor:      it.InterestMinor,
			FeesMinor:          it.FeesMinor,
			InvestorShareMinor: it.InvestorShareMinor,
			ServicerFeeMinor:   it.ServicerFeeMinor,
		})
	}

	out, err := xml.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

func renderXLSX(c *domain.RemittanceCycle, items []domain.RemittanceItem, currencyCode string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return nil, err
	}

	header := make([]any, len(csvHeader))
	for i, h := range csvHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(xlsxSheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, it := range items {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{it.LoanID, it.PrincipalMinor, it.InterestMinor, it.FeesMinor, it.InvestorShareMinor, it.ServicerFeeMinor}
		if err := f.SetSheetRow(xlsxSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	// Totals in major units below the detail rows.
	totalRow := len(items) + 3
	totals := []struct {
		label string
		minor int64
	}{
		{"total_collected", c.TotalCollectedMinor},
		{"investor_due", c.InvestorDueMinor},
		{"servicer_fee", c.ServicerFeeMinor},
	}
	for i, t := range totals {
		major, err := currency.ToMajor(t.minor, currencyCode)
		if err != nil {
			return nil, err
		}
		cell, _ := excelize.CoordinatesToCellName(1, totalRow+i)
		row := []any{t.label, major.String() + " " + currencyCode}
		if err := f.SetSheetRow(xlsxSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	if err := f.SetColWidth(xlsxSheet, "A", "A", 18); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(xlsxSheet, "B", "F", 20); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GenerateExport renders a locked cycle, stores the file with its SHA-256
// and moves the cycle to file_generated. A cycle can be exported again in
// other formats until it is sent.
func (e *Engine) GenerateExport(ctx context.Context, cycleID string, format domain.ExportFormat) (*domain.RemittanceExport, error) {
	switch format {
	case domain.ExportCSV, domain.ExportXML, domain.ExportXLSX:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	var exp *domain.RemittanceExport
	err := repository.InTx(ctx, e.db, func(tx *sql.Tx) error {
		cycles := e.cycles.WithTx(tx)
		c, err := cycles.Get(ctx, cycleID)
		if err != nil {
			return err
		}
		from := []domain.CycleStatus{domain.CycleLocked, domain.CycleFileGenerated}
		if c.Status == domain.CycleLocked {
			if err := e.transition(ctx, cycles, c, from, domain.CycleFileGenerated); err != nil {
				return err
			}
		} else if c.Status != domain.CycleFileGenerated {
			return fmt.Errorf("%w: export needs %v, cycle %s is %s", ErrCycleState, from, c.ID, c.Status)
		}

		items, err := cycles.Items(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("load items: %w", err)
		}
		content, err := Render(format, c, items, e.currency)
		if err != nil {
			return fmt.Errorf("render %s: %w", format, err)
		}

		exp = &domain.RemittanceExport{
			ID:        uuid.NewString(),
			CycleID:   c.ID,
			Format:    format,
			SHA256:    Checksum(content),
			Size:      len(content),
			Content:   content,
			CreatedAt: e.now(),
		}
		return cycles.InsertExport(ctx, exp)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[remittance] exported cycle %s as %s (%s, sha256=%s)",
		exp.CycleID, exp.Format, humanize.Bytes(uint64(exp.Size)), exp.SHA256[:12])
	return exp, nil
}

func (e *Engine) GetExport(ctx context.Context, exportID string) (*domain.RemittanceExport, error) {
	return e.cycles.GetExport(ctx, exportID)
}

// Verification compares an export's stored checksum to its content.
type Verification struct {
	ExportID string              `json:"export_id"`
	Format   domain.ExportFormat `json:"format"`
	Stored   string              `json:"stored_sha256"`
	Computed string              `json:"computed_sha256"`
	Valid    bool                `json:"valid"`
}

// VerifyExport recomputes the SHA-256 of a stored export.
func (e *Engine) VerifyExport(ctx context.Context, exportID string) (*Verification, error) {
	exp, err := e.cycles.GetExport(ctx, exportID)
	if err != nil {
		return nil, err
	}
	v := &Verification{
		ExportID: exp.ID,
		Format:   exp.Format,
		Stored:   exp.SHA256,
		Computed: Checksum(exp.Content),
	}
	v.Valid = v.Stored == v.Computed
	if !v.Valid {
		log.Printf("[remittance] WARNING: export %s checksum mismatch: stored %s, computed %s",
			exp.ID, v.Stored, v.Computed)
	}
	return v, nil
}
