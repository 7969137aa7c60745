package hl7

// Message is one of the three inbound message variants. Fields are set at
// construction and never mutated afterwards.
type Message interface {
	// PatientMRN returns the medical record number the message refers to.
	PatientMRN() string
}

// AdmissionMessage corresponds to ADT^A01.
type AdmissionMessage struct {
	MRN         string
	Name        string
	DateOfBirth string // YYYY-MM-DD
	Sex         string // "M" or "F", case-insensitive
}

func (m AdmissionMessage) PatientMRN() string { return m.MRN }

// DischargeMessage corresponds to ADT^A03.
type DischargeMessage struct {
	MRN string
}

func (m DischargeMessage) PatientMRN() string { return m.MRN }

// TestResultMessage corresponds to ORU^R01 carrying a creatinine result.
type TestResultMessage struct {
	MRN             string
	TestDate        string // YYYY-MM-DD
	TestTime        string // HH:MM:SS
	CreatinineValue float64
	// Timestamp is the compact YYYYMMDDHHMMSS form of TestDate+TestTime,
	// used as the pager body timestamp.
	Timestamp string
}

func (m TestResultMessage) PatientMRN() string { return m.MRN }

// NewTestResultMessage builds a TestResultMessage, deriving the compact
// timestamp by stripping the separators from date and time.
func NewTestResultMessage(mrn, testDate, testTime string, value float64) TestResultMessage {
	return TestResultMessage{
		MRN:             mrn,
		TestDate:        testDate,
		TestTime:        testTime,
		CreatinineValue: value,
		Timestamp:       compactTimestamp(testDate, testTime),
	}
}

func compactTimestamp(date, t string) string {
	b := make([]byte, 0, 14)
	for _, s := range [2]string{date, t} {
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c >= '0' && c <= '9' {
				b = append(b, c)
			}
		}
	}
	return string(b)
}
