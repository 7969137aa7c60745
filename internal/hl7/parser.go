package hl7

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxCreatinineValue is the ceiling imposed on parsed creatinine results
// before they reach storage.
const MaxCreatinineValue = 200.0

// Parse turns a deframed HL7 segment sequence into one of the three message
// variants. The message type is taken from field 8 of the MSH segment.
func Parse(segments []string) (Message, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("hl7: empty message")
	}

	msgType, err := field(segments[0], 8)
	if err != nil {
		return nil, fmt.Errorf("hl7: malformed MSH segment: %w", err)
	}

	switch msgType {
	case "ADT^A01":
		return parseAdmission(segments)
	case "ADT^A03":
		return parseDischarge(segments)
	case "ORU^R01":
		return parseTestResult(segments)
	default:
		return nil, fmt.Errorf("hl7: unknown message type %q", msgType)
	}
}

func parseAdmission(segments []string) (Message, error) {
	if len(segments) < 2 {
		return nil, fmt.Errorf("hl7: admission message missing PID segment")
	}
	pid := strings.Split(segments[1], "|")
	if len(pid) < 9 {
		return nil, fmt.Errorf("hl7: PID segment has %d fields, need 9", len(pid))
	}

	dob := pid[7]
	if len(dob) < 8 {
		return nil, fmt.Errorf("hl7: bad date of birth %q", dob)
	}

	return AdmissionMessage{
		MRN:         pid[3],
		Name:        pid[5],
		DateOfBirth: dob[0:4] + "-" + dob[4:6] + "-" + dob[6:8],
		Sex:         pid[8],
	}, nil
}

func parseDischarge(segments []string) (Message, error) {
	if len(segments) < 2 {
		return nil, fmt.Errorf("hl7: discharge message missing PID segment")
	}
	mrn, err := field(segments[1], 3)
	if err != nil {
		return nil, fmt.Errorf("hl7: malformed PID segment: %w", err)
	}
	return DischargeMessage{MRN: mrn}, nil
}

func parseTestResult(segments []string) (Message, error) {
	if len(segments) < 4 {
		return nil, fmt.Errorf("hl7: test result message has %d segments, need 4", len(segments))
	}
	mrn, err := field(segments[1], 3)
	if err != nil {
		return nil, fmt.Errorf("hl7: malformed PID segment: %w", err)
	}

	// OBR field 7 carries the observation timestamp as YYYYMMDDHHMMSS.
	ts, err := field(segments[2], 7)
	if err != nil {
		return nil, fmt.Errorf("hl7: malformed OBR segment: %w", err)
	}
	if len(ts) < 14 {
		return nil, fmt.Errorf("hl7: bad observation timestamp %q", ts)
	}
	testDate := ts[0:4] + "-" + ts[4:6] + "-" + ts[6:8]
	testTime := ts[8:10] + ":" + ts[10:12] + ":" + ts[12:14]

	raw, err := field(segments[3], 5)
	if err != nil {
		return nil, fmt.Errorf("hl7: malformed OBX segment: %w", err)
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("hl7: bad creatinine value %q: %w", raw, err)
	}
	if value > MaxCreatinineValue {
		value = MaxCreatinineValue
	}

	return NewTestResultMessage(mrn, testDate, testTime, value), nil
}

func field(segment string, index int) (string, error) {
	fields := strings.Split(segment, "|")
	if index >= len(fields) {
		return "", fmt.Errorf("field %d out of range (%d fields)", index, len(fields))
	}
	return fields[index], nil
}
