// Package verify is the boundary to the browser-automation service that
// performs the actual record verification. The gateway only consumes it:
// fetch a visual challenge, submit a verification, get structured fields
// or a typed failure back.
package verify

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
)

// ErrTimeout indicates the automation service did not answer in time.
var ErrTimeout = errors.New("verification timed out")

// ErrExtraction indicates the upstream page was reached but no result
// fields could be extracted from it.
var ErrExtraction = errors.New("could not extract verification data")

// ValidationError is a rejection by the verified registry itself, e.g. a
// wrong challenge answer or an unknown record number. Its text is safe to
// show to callers.
type ValidationError struct {
	Text string
}

func (e *ValidationError) Error() string { return e.Text }

// Request is one verification submission.
type Request struct {
	RecordNumber    string `json:"reg_number"`
	DateOfBirth     string `json:"dob"`
	ChallengeAnswer string `json:"captcha"`
}

// Challenge is a visual challenge image plus the token that ties the
// eventual answer back to it.
type Challenge struct {
	Image []byte
	Token string
}

// Result is the mapped verification record. Field order matches the wire
// format callers of the original service rely on.
type Result struct {
	Office                  string `json:"office"`
	Address                 string `json:"address"`
	RegisterDate            string `json:"register"`
	IssueDate               string `json:"issue"`
	RecordNumber            string `json:"brn"`
	DateOfBirth             string `json:"dob"`
	Sex                     string `json:"sex"`
	Name                    string `json:"nameEn"`
	NativeName              string `json:"nameBn"`
	FatherName              string `json:"fatherNameEn"`
	FatherNativeName        string `json:"fatherNameBn"`
	FatherNationality       string `json:"fatherNationalityEn"`
	FatherNativeNationality string `json:"fatherNationalityBn"`
	MotherName              string `json:"motherNameEn"`
	MotherNativeName        string `json:"motherNameBn"`
	MotherNationality       string `json:"motherNationalityEn"`
	MotherNativeNationality string `json:"motherNationalityBn"`
	BirthPlace              string `json:"birthPlaceEn"`
	NativeBirthPlace        string `json:"birthPlaceBn"`
}

// Runner performs the verification flow against the upstream service.
type Runner interface {
	FetchChallenge(ctx context.Context) (*Challenge, error)
	Verify(ctx context.Context, req Request) (*Result, error)
}

// Upstream field labels as they appear on the scraped page.
const (
	fieldRegisterDate = "Registration Date"
	fieldOffice       = "Registration Office"
	fieldIssueDate    = "Issuance Date"
	fieldDateOfBirth  = "Date of Birth"
	fieldRecordNumber = "Birth Registration Number"
	fieldSex          = "Sex"
	fieldName         = "Registered Person Name"
	fieldFatherName   = "Father's Name"
	fieldFatherNat    = "Father's Nationality"
	fieldMotherName   = "Mother's Name"
	fieldMotherNat    = "Mother's Nationality"
	fieldAddress      = "address"
	fieldBirthPlace   = "birthPlaceEn"

	nativeFieldName       = "নিবন্ধিত ব্যক্তির নাম"
	nativeFieldFather     = "পিতার নাম"
	nativeFieldFatherNat  = "পিতার জাতীয়তা"
	nativeFieldMother     = "মাতার নাম"
	nativeFieldMotherNat  = "মাতার জাতীয়তা"
	nativeFieldBirthPlace = "জন্মস্থান"
)

// MapFields converts the raw label→value mapping extracted upstream into
// a Result, normalizing dates and title-casing Latin text.
func MapFields(raw map[string]string) *Result {
	date := func(key string) string {
		return titleLatin(formatDate(raw[key]))
	}
	plain := func(key string) string {
		return titleLatin(raw[key])
	}
	return &Result{
		Office:                  plain(fieldOffice),
		Address:                 titleLatin(raw[fieldAddress]),
		RegisterDate:            date(fieldRegisterDate),
		IssueDate:               date(fieldIssueDate),
		RecordNumber:            plain(fieldRecordNumber),
		DateOfBirth:             date(fieldDateOfBirth),
		Sex:                     plain(fieldSex),
		Name:                    plain(fieldName),
		NativeName:              raw[nativeFieldName],
		FatherName:              plain(fieldFatherName),
		FatherNativeName:        raw[nativeFieldFather],
		FatherNationality:       plain(fieldFatherNat),
		FatherNativeNationality: raw[nativeFieldFatherNat],
		MotherName:              plain(fieldMotherName),
		MotherNativeName:        raw[nativeFieldMother],
		MotherNationality:       plain(fieldMotherNat),
		MotherNativeNationality: raw[nativeFieldMotherNat],
		BirthPlace:              date(fieldBirthPlace),
		NativeBirthPlace:        raw[nativeFieldBirthPlace],
	}
}

// formatDate rewrites "02 January 2006" dates as "02/01/2006". Anything
// else passes through untouched.
func formatDate(value string) string {
	t, err := time.Parse("02 January 2006", value)
	if err != nil {
		return value
	}
	return t.Format("02/01/2006")
}

// titleLatin title-cases a value only when it contains Latin letters;
// other scripts are left alone.
func titleLatin(value string) string {
	hasLatin := false
	for _, r := range value {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			hasLatin = true
			break
		}
	}
	if !hasLatin {
		return value
	}

	var b strings.Builder
	startOfWord := true
	for _, r := range strings.ToLower(value) {
		if startOfWord {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteRune(r)
		}
		startOfWord = unicode.IsSpace(r)
	}
	return b.String()
}
