// Package storage owns the in-memory view of admitted patients, the
// creatinine history known from prior admissions, the append-only message
// log, and the AKI prediction gate. The maps are owned exclusively by the
// listener goroutine; the log file is the only durable artifact.
package storage

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/south-riverside/aki-alerter/internal/hl7"
	"github.com/south-riverside/aki-alerter/internal/model"
	"go.uber.org/zap"
)

// ErrNotAdmitted reports a test result or discharge for an MRN with no
// current admission.
var ErrNotAdmitted = errors.New("storage: patient is not admitted")

// Patient is one entry of the current-patients map.
type Patient struct {
	Name        string
	DateOfBirth string // YYYY-MM-DD
	Sex         string

	// CreatinineResults is append-only for the duration of the admission.
	CreatinineResults []float64

	// PreviousPositiveAKIPrediction flips false→true at most once per
	// admission; the flag is the at-most-one-page gate.
	PreviousPositiveAKIPrediction bool
}

type Manager struct {
	current map[string]*Patient
	history map[string][]float64

	logPath     string
	classifier  model.Classifier
	logger      *zap.Logger
	now         func() time.Time
	initialised bool
}

func NewManager(logPath string, classifier model.Classifier, logger *zap.Logger) *Manager {
	return &Manager{
		current:    make(map[string]*Patient),
		history:    make(map[string][]float64),
		logPath:    logPath,
		classifier: classifier,
		logger:     logger,
		now:        time.Now,
	}
}

// InitialiseDatabase loads the bootstrap history CSV and then either creates
// the message log, truncates it (wipeLog), or replays it to rebuild the
// in-memory state the process had before it last stopped.
func (m *Manager) InitialiseDatabase(historyPath string, wipeLog bool) error {
	history, err := LoadHistory(historyPath)
	if err != nil {
		return err
	}
	m.history = history

	_, err = os.Stat(m.logPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := writeLogHeader(m.logPath); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("storage: checking message log %s: %w", m.logPath, err)
	case wipeLog:
		if err := writeLogHeader(m.logPath); err != nil {
			return err
		}
	default:
		if err := m.reinstateAllPastMessages(); err != nil {
			return err
		}
		m.logger.Info("message log replayed",
			zap.String("path", m.logPath),
			zap.Int("current_patients", len(m.current)),
		)
	}

	m.initialised = true
	return nil
}

// Initialised reports whether startup recovery has completed.
func (m *Manager) Initialised() bool { return m.initialised }

// AddAdmission creates (or overwrites, on re-admission) the current-patients
// entry. Known prior creatinine results seed the record with a snapshot so
// later appends never reach back into the history map.
func (m *Manager) AddAdmission(msg hl7.AdmissionMessage) {
	p := &Patient{
		Name:        msg.Name,
		DateOfBirth: msg.DateOfBirth,
		Sex:         msg.Sex,
	}
	if prior, ok := m.history[msg.MRN]; ok {
		p.CreatinineResults = append([]float64(nil), prior...)
	}
	m.current[msg.MRN] = p
}

// AddTestResult appends the creatinine value to the admitted patient's
// sequence.
func (m *Manager) AddTestResult(msg hl7.TestResultMessage) error {
	p, ok := m.current[msg.MRN]
	if !ok {
		return fmt.Errorf("%w: test result for %s", ErrNotAdmitted, msg.MRN)
	}
	p.CreatinineResults = append(p.CreatinineResults, msg.CreatinineValue)
	return nil
}

// RemovePatient deletes the current-patients entry. Copying results into the
// history map is the caller's job (CopyResultsToHistory) and happens only
// during live processing, never on replay.
func (m *Manager) RemovePatient(msg hl7.DischargeMessage) error {
	if _, ok := m.current[msg.MRN]; !ok {
		return fmt.Errorf("%w: discharge for %s", ErrNotAdmitted, msg.MRN)
	}
	delete(m.current, msg.MRN)
	return nil
}

// CopyResultsToHistory writes the departing patient's accumulated results
// into the history map so a re-admission starts from them.
func (m *Manager) CopyResultsToHistory(mrn string) error {
	p, ok := m.current[mrn]
	if !ok {
		return fmt.Errorf("%w: history update for %s", ErrNotAdmitted, mrn)
	}
	m.history[mrn] = append([]float64(nil), p.CreatinineResults...)
	return nil
}

// IsAdmitted reports whether the MRN has a current admission.
func (m *Manager) IsAdmitted(mrn string) bool {
	_, ok := m.current[mrn]
	return ok
}

// Results returns a snapshot of the admitted patient's creatinine sequence.
func (m *Manager) Results(mrn string) []float64 {
	p, ok := m.current[mrn]
	if !ok {
		return nil
	}
	return append([]float64(nil), p.CreatinineResults...)
}

// NoPositiveSoFar reports whether this admission has not yet produced a
// positive prediction. Unknown MRNs read as already-paged so callers never
// predict on them.
func (m *Manager) NoPositiveSoFar(mrn string) bool {
	p, ok := m.current[mrn]
	if !ok {
		return false
	}
	return !p.PreviousPositiveAKIPrediction
}

// MarkPositive records the one-shot positive prediction for the admission.
func (m *Manager) MarkPositive(mrn string) {
	if p, ok := m.current[mrn]; ok {
		p.PreviousPositiveAKIPrediction = true
	}
}

// PredictAKI builds the feature vector [age, sex, c1..c5] for the admitted
// patient and delegates to the classifier. The five creatinine features are
// the last five results; shorter sequences are right-padded by repeating the
// last value.
func (m *Manager) PredictAKI(mrn string) (int, error) {
	p, ok := m.current[mrn]
	if !ok {
		return 0, fmt.Errorf("%w: prediction for %s", ErrNotAdmitted, mrn)
	}
	if len(p.CreatinineResults) == 0 {
		return 0, fmt.Errorf("storage: no creatinine results for %s", mrn)
	}

	age, err := determineAge(p.DateOfBirth, m.now())
	if err != nil {
		return 0, err
	}
	sex := 1.0
	if strings.EqualFold(p.Sex, "m") {
		sex = 0.0
	}

	const n = 5
	features := make([]float64, 0, model.FeatureCount)
	features = append(features, float64(age), sex)
	results := p.CreatinineResults
	if len(results) > n {
		features = append(features, results[len(results)-n:]...)
	} else {
		features = append(features, results...)
		last := results[len(results)-1]
		for len(features) < model.FeatureCount {
			features = append(features, last)
		}
	}

	return m.classifier.Predict(features), nil
}

func determineAge(dateOfBirth string, today time.Time) (int, error) {
	dob, err := time.Parse("2006-01-02", dateOfBirth)
	if err != nil {
		return 0, fmt.Errorf("storage: bad date of birth %q: %w", dateOfBirth, err)
	}
	age := today.Year() - dob.Year()
	if today.Month() < dob.Month() || (today.Month() == dob.Month() && today.Day() < dob.Day()) {
		age--
	}
	return age, nil
}
