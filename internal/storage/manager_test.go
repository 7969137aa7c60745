package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/south-riverside/aki-alerter/internal/hl7"
	"github.com/south-riverside/aki-alerter/internal/model"
	"go.uber.org/zap"
)

// lastValueThreshold pages when the most recent creatinine feature exceeds
// 150: enough structure to pin down the feature plumbing in tests.
func lastValueThreshold() model.Classifier {
	return &model.LinearClassifier{Bias: -150, Weights: []float64{0, 0, 0, 0, 0, 0, 1}}
}

type recordingClassifier struct {
	features [][]float64
	result   int
}

func (c *recordingClassifier) Predict(f []float64) int {
	c.features = append(c.features, append([]float64(nil), f...))
	return c.result
}

func newTestManager(t *testing.T, clf model.Classifier) *Manager {
	t.Helper()
	m := NewManager(filepath.Join(t.TempDir(), "message_log.csv"), clf, zap.NewNop())
	m.now = func() time.Time { return time.Date(2024, 1, 2, 13, 53, 0, 0, time.UTC) }
	return m
}

func TestAddAdmission_SeedsFromHistorySnapshot(t *testing.T) {
	m := newTestManager(t, lastValueThreshold())
	m.history["001"] = []float64{1.2, 3.4}

	m.AddAdmission(hl7.AdmissionMessage{MRN: "001", Name: "John Doe", DateOfBirth: "1980-01-01", Sex: "M"})

	p := m.current["001"]
	if p == nil {
		t.Fatal("patient not admitted")
	}
	if len(p.CreatinineResults) != 2 || p.CreatinineResults[0] != 1.2 || p.CreatinineResults[1] != 3.4 {
		t.Fatalf("expected seeded results [1.2 3.4], got %v", p.CreatinineResults)
	}

	// The seed is a snapshot: appends must not reach back into history.
	if err := m.AddTestResult(hl7.NewTestResultMessage("001", "2023-01-01", "08:00:00", 9.9)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.history["001"]) != 2 {
		t.Errorf("appending a result mutated the history map: %v", m.history["001"])
	}
}

func TestPersistenceAcrossAdmissions(t *testing.T) {
	m := newTestManager(t, lastValueThreshold())

	m.AddAdmission(hl7.AdmissionMessage{MRN: "001", Name: "John Doe", DateOfBirth: "1980-01-01", Sex: "M"})
	if err := m.AddTestResult(hl7.NewTestResultMessage("001", "2023-01-01", "08:00:00", 1.2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.CopyResultsToHistory("001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.RemovePatient(hl7.DischargeMessage{MRN: "001"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.current["001"]; ok {
		t.Fatal("patient still admitted after discharge")
	}

	m.AddAdmission(hl7.AdmissionMessage{MRN: "001", Name: "John Doe", DateOfBirth: "1980-01-01", Sex: "M"})
	p := m.current["001"]
	if len(p.CreatinineResults) != 1 || p.CreatinineResults[0] != 1.2 {
		t.Errorf("expected re-admission to carry [1.2], got %v", p.CreatinineResults)
	}
}

func TestAddTestResult_NotAdmitted(t *testing.T) {
	m := newTestManager(t, lastValueThreshold())
	err := m.AddTestResult(hl7.NewTestResultMessage("999", "2023-01-01", "08:00:00", 1.2))
	if err == nil {
		t.Fatal("expected error for unknown MRN")
	}
}

func TestRemovePatient_NotAdmitted(t *testing.T) {
	m := newTestManager(t, lastValueThreshold())
	if err := m.RemovePatient(hl7.DischargeMessage{MRN: "999"}); err == nil {
		t.Fatal("expected error for unknown MRN")
	}
}

func TestPredictAKI_PositiveCase(t *testing.T) {
	m := newTestManager(t, lastValueThreshold())
	m.current["12345"] = &Patient{
		Name:              "Jane Doe",
		DateOfBirth:       "1990-01-01",
		Sex:               "F",
		CreatinineResults: []float64{60.7, 62.3, 53, 80, 165, 204.56},
	}

	result, err := m.PredictAKI("12345")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 1 {
		t.Errorf("expected positive prediction, got %d", result)
	}
}

func TestPredictAKI_NegativeCase(t *testing.T) {
	m := newTestManager(t, lastValueThreshold())
	m.current["654321"] = &Patient{
		Name:              "Jon Doe",
		DateOfBirth:       "1950-01-01",
		Sex:               "M",
		CreatinineResults: []float64{60.7, 60.7, 61.7},
	}

	result, err := m.PredictAKI("654321")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 0 {
		t.Errorf("expected negative prediction, got %d", result)
	}
}

func TestPredictAKI_FeatureVector(t *testing.T) {
	rec := &recordingClassifier{}
	m := newTestManager(t, rec)
	m.current["654321"] = &Patient{
		Name:              "Jon Doe",
		DateOfBirth:       "1950-01-01",
		Sex:               "m",
		CreatinineResults: []float64{60.7, 60.7, 61.7},
	}

	if _, err := m.PredictAKI("654321"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.features) != 1 {
		t.Fatalf("expected 1 classifier call, got %d", len(rec.features))
	}
	// Age on 2024-01-02 for a 1950-01-01 birth date; male codes as 0; the
	// three samples are right-padded with the last value to five.
	want := []float64{74, 0, 60.7, 60.7, 61.7, 61.7, 61.7}
	got := rec.features[0]
	if len(got) != len(want) {
		t.Fatalf("expected %d features, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("feature %d: expected %g, got %g", i, want[i], got[i])
		}
	}
}

func TestPredictAKI_UsesLastFiveResults(t *testing.T) {
	rec := &recordingClassifier{}
	m := newTestManager(t, rec)
	m.current["1"] = &Patient{
		DateOfBirth:       "1990-01-01",
		Sex:               "F",
		CreatinineResults: []float64{1, 2, 3, 4, 5, 6, 7},
	}

	if _, err := m.PredictAKI("1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := rec.features[0][2:]
	want := []float64{3, 4, 5, 6, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("creatinine feature %d: expected %g, got %g", i, want[i], got[i])
		}
	}
}

func TestPredictAKI_NoResults(t *testing.T) {
	m := newTestManager(t, lastValueThreshold())
	m.current["1"] = &Patient{DateOfBirth: "1990-01-01", Sex: "F"}
	if _, err := m.PredictAKI("1"); err == nil {
		t.Fatal("expected error for empty result sequence")
	}
}

func TestDetermineAge_BeforeAndAfterBirthday(t *testing.T) {
	cases := []struct {
		dob   string
		today time.Time
		want  int
	}{
		{"1987-05-15", time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC), 36},
		{"1987-05-15", time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), 37},
		{"1987-05-15", time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), 37},
		{"1987-05-15", time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC), 36},
	}
	for _, tc := range cases {
		got, err := determineAge(tc.dob, tc.today)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tc.want {
			t.Errorf("age(%s at %s): expected %d, got %d", tc.dob, tc.today.Format("2006-01-02"), tc.want, got)
		}
	}
}

func TestPositiveFlagIsMonotonic(t *testing.T) {
	m := newTestManager(t, lastValueThreshold())
	m.AddAdmission(hl7.AdmissionMessage{MRN: "1", Name: "A", DateOfBirth: "1990-01-01", Sex: "F"})

	if !m.NoPositiveSoFar("1") {
		t.Fatal("fresh admission should have no positive prediction")
	}
	m.MarkPositive("1")
	if m.NoPositiveSoFar("1") {
		t.Fatal("flag did not stick")
	}

	// More results never clear it within the admission.
	if err := m.AddTestResult(hl7.NewTestResultMessage("1", "2023-01-01", "08:00:00", 1.0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.NoPositiveSoFar("1") {
		t.Fatal("flag cleared by a test result")
	}

	// Discharge erases the flag with the record; a fresh admission starts clear.
	if err := m.RemovePatient(hl7.DischargeMessage{MRN: "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.AddAdmission(hl7.AdmissionMessage{MRN: "1", Name: "A", DateOfBirth: "1990-01-01", Sex: "F"})
	if !m.NoPositiveSoFar("1") {
		t.Fatal("new admission inherited old flag")
	}
}

func TestNoPositiveSoFar_UnknownMRN(t *testing.T) {
	m := newTestManager(t, lastValueThreshold())
	if m.NoPositiveSoFar("ghost") {
		t.Fatal("unknown MRN must not be predicted on")
	}
}
