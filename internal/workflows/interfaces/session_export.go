package interfaces

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	workflows "cleanroute-cloud/internal/workflows/domain"
)

// BuildSessionsCSV renders collection sessions as CSV.
func BuildSessionsCSV(sessions []workflows.CollectionSession) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"session_id", "zone_id", "phase", "bins_total", "bins_responded", "bins_collected", "started_at", "ended_at"}); err != nil {
		return nil, err
	}
	for _, session := range sessions {
		record := []string{
			session.SessionID,
			session.ZoneID,
			session.Phase,
			strconv.Itoa(session.BinsTotal),
			strconv.Itoa(session.BinsResponded),
			strconv.Itoa(session.BinsCollected),
			session.StartedAt.Format(time.RFC3339),
			formatOptional(session.EndedAt),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildSessionPDF renders a minimal PDF report for one session.
func BuildSessionPDF(session *workflows.CollectionSession) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Collection Session Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Session: %s", session.SessionID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Zone: %s", session.ZoneID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Phase: %s", session.Phase))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Started: %s", session.StartedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	if !session.EndedAt.IsZero() {
		pdf.Cell(0, 6, fmt.Sprintf("Ended: %s", session.EndedAt.Format(time.RFC3339)))
		pdf.Ln(5)
	}

	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(60, 6, "Bins Total", "1", 0, "C", false, 0, "")
	pdf.CellFormat(60, 6, "Responded", "1", 0, "C", false, 0, "")
	pdf.CellFormat(60, 6, "Collected", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(60, 6, strconv.Itoa(session.BinsTotal), "1", 0, "R", false, 0, "")
	pdf.CellFormat(60, 6, strconv.Itoa(session.BinsResponded), "1", 0, "R", false, 0, "")
	pdf.CellFormat(60, 6, strconv.Itoa(session.BinsCollected), "1", 0, "R", false, 0, "")
	pdf.Ln(-1)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildSessionsXLSX renders recent sessions as an XLSX workbook, one summary
// sheet plus a per-session row listing.
func BuildSessionsXLSX(sessions []workflows.CollectionSession) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	sessionsSheet := "sessions"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(sessionsSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Collection Sessions")
	_ = f.SetCellValue(summarySheet, "A3", "Sessions")
	_ = f.SetCellValue(summarySheet, "B3", len(sessions))
	_ = f.SetCellValue(summarySheet, "A4", "Generated")
	_ = f.SetCellValue(summarySheet, "B4", time.Now().UTC().Format(time.RFC3339))

	_ = f.SetCellValue(sessionsSheet, "A1", "Session")
	_ = f.SetCellValue(sessionsSheet, "B1", "Zone")
	_ = f.SetCellValue(sessionsSheet, "C1", "Phase")
	_ = f.SetCellValue(sessionsSheet, "D1", "Bins Total")
	_ = f.SetCellValue(sessionsSheet, "E1", "Responded")
	_ = f.SetCellValue(sessionsSheet, "F1", "Collected")
	_ = f.SetCellValue(sessionsSheet, "G1", "Started")
	_ = f.SetCellValue(sessionsSheet, "H1", "Ended")
	for i, session := range sessions {
		row := i + 2
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("A%d", row), session.SessionID)
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("B%d", row), session.ZoneID)
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("C%d", row), session.Phase)
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("D%d", row), session.BinsTotal)
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("E%d", row), session.BinsResponded)
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("F%d", row), session.BinsCollected)
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("G%d", row), session.StartedAt.Format(time.RFC3339))
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("H%d", row), formatOptional(session.EndedAt))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatOptional(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
