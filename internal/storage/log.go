package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/south-riverside/aki-alerter/internal/hl7"
	"github.com/south-riverside/aki-alerter/internal/metrics"
	"go.uber.org/zap"
)

// Message log column layout. The log is the write-ahead record every accepted
// message is appended to, in arrival order, and the sole durable state.
var logHeader = []string{"timestamp", "type", "mrn", "additional_info"}

// Type labels as written to the log. These are a durable on-disk contract;
// changing them orphans existing logs.
const (
	logTypeAdmission  = "PatientAdmission"
	logTypeDischarge  = "PatientDischarge"
	logTypeTestResult = "TestResult"
)

const logTimeLayout = "2006-01-02 15:04:05"

// AppendToLog serializes msg as one CSV row stamped with the current
// wall clock. The file is opened in append mode per write so each call is a
// single atomic line write.
func (m *Manager) AppendToLog(msg hl7.Message) error {
	var typ, info string
	switch t := msg.(type) {
	case hl7.AdmissionMessage:
		typ = logTypeAdmission
		info = fmt.Sprintf("Name: %s. DOB: %s. Sex: %s", t.Name, t.DateOfBirth, t.Sex)
	case hl7.DischargeMessage:
		typ = logTypeDischarge
	case hl7.TestResultMessage:
		typ = logTypeTestResult
		info = fmt.Sprintf("Test Date: %s. Test Time: %s. Creatinine Value: %s",
			t.TestDate, t.TestTime, formatValue(t.CreatinineValue))
	default:
		return fmt.Errorf("storage: unsupported message type %T", msg)
	}

	f, err := os.OpenFile(m.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("storage: opening message log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		m.now().Format(logTimeLayout), typ, msg.PatientMRN(), info,
	}); err != nil {
		return fmt.Errorf("storage: writing log row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("storage: flushing log row: %w", err)
	}
	metrics.LogAppendsTotal.Inc()
	return nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeLogHeader(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("storage: creating message log %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(logHeader); err != nil {
		return fmt.Errorf("storage: writing log header: %w", err)
	}
	w.Flush()
	return w.Error()
}

// reinstateAllPastMessages replays the message log in file order,
// reconstructing each message from its type and additional_info columns and
// re-applying it. Replay recomputes AKI predictions so the paging gate
// survives restarts, but it never calls the pager and never writes the
// history map: pre-admission history is owned by the bootstrap CSV.
func (m *Manager) reinstateAllPastMessages() error {
	f, err := os.Open(m.logPath)
	if err != nil {
		return fmt.Errorf("storage: opening message log for replay: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("storage: reading message log: %w", err)
	}

	for i, row := range rows {
		if i == 0 {
			// Header row.
			continue
		}
		m.reinstateRow(row)
	}
	return nil
}

func (m *Manager) reinstateRow(row []string) {
	if len(row) < 4 {
		metrics.HandlerErrorsTotal.WithLabelValues(metrics.ModeReplay, "short_row").Inc()
		return
	}
	typ, mrn, info := row[1], row[2], row[3]

	switch typ {
	case logTypeAdmission:
		name, dob, sex, err := splitAdmissionInfo(info)
		if err != nil {
			metrics.HandlerErrorsTotal.WithLabelValues(metrics.ModeReplay, "bad_row").Inc()
			return
		}
		m.AddAdmission(hl7.AdmissionMessage{MRN: mrn, Name: name, DateOfBirth: dob, Sex: sex})
		metrics.MessagesHandledTotal.WithLabelValues(metrics.ModeReplay, metrics.TypeAdmission).Inc()

	case logTypeDischarge:
		// History is deliberately not updated on replay: re-deriving it
		// from log discharges would double-count against the bootstrap CSV.
		if err := m.RemovePatient(hl7.DischargeMessage{MRN: mrn}); err != nil {
			metrics.HandlerErrorsTotal.WithLabelValues(metrics.ModeReplay, "not_admitted").Inc()
			return
		}
		metrics.MessagesHandledTotal.WithLabelValues(metrics.ModeReplay, metrics.TypeDischarge).Inc()

	case logTypeTestResult:
		msg, err := testResultFromInfo(mrn, info)
		if err != nil {
			metrics.HandlerErrorsTotal.WithLabelValues(metrics.ModeReplay, "bad_row").Inc()
			return
		}
		if err := m.AddTestResult(msg); err != nil {
			metrics.HandlerErrorsTotal.WithLabelValues(metrics.ModeReplay, "not_admitted").Inc()
			return
		}
		metrics.MessagesHandledTotal.WithLabelValues(metrics.ModeReplay, metrics.TypeTestResult).Inc()

		if m.NoPositiveSoFar(mrn) {
			result, err := m.PredictAKI(mrn)
			if err != nil {
				m.logger.Warn("replay prediction failed", zap.String("mrn", mrn), zap.Error(err))
				return
			}
			if result == 1 {
				metrics.PredictionsTotal.WithLabelValues(metrics.ModeReplay, metrics.ResultPositive).Inc()
				// No page on replay; the live page either already
				// happened or was already counted as failed.
				m.MarkPositive(mrn)
			} else {
				metrics.PredictionsTotal.WithLabelValues(metrics.ModeReplay, metrics.ResultNegative).Inc()
			}
		}

	default:
		metrics.HandlerErrorsTotal.WithLabelValues(metrics.ModeReplay, "unknown_type").Inc()
	}
}

func splitAdmissionInfo(info string) (name, dob, sex string, err error) {
	parts := strings.Split(info, ". ")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("storage: bad admission info %q", info)
	}
	if name, err = infoValue(parts[0]); err != nil {
		return
	}
	if dob, err = infoValue(parts[1]); err != nil {
		return
	}
	sex, err = infoValue(parts[2])
	return
}

func testResultFromInfo(mrn, info string) (hl7.TestResultMessage, error) {
	parts := strings.Split(info, ". ")
	if len(parts) != 3 {
		return hl7.TestResultMessage{}, fmt.Errorf("storage: bad test result info %q", info)
	}
	date, err := infoValue(parts[0])
	if err != nil {
		return hl7.TestResultMessage{}, err
	}
	tod, err := infoValue(parts[1])
	if err != nil {
		return hl7.TestResultMessage{}, err
	}
	raw, err := infoValue(parts[2])
	if err != nil {
		return hl7.TestResultMessage{}, err
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return hl7.TestResultMessage{}, fmt.Errorf("storage: bad logged creatinine value %q: %w", raw, err)
	}
	return hl7.NewTestResultMessage(mrn, date, tod, value), nil
}

func infoValue(part string) (string, error) {
	_, v, ok := strings.Cut(part, ": ")
	if !ok {
		return "", fmt.Errorf("storage: bad info field %q", part)
	}
	return v, nil
}
