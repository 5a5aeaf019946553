package forms

import (
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"taxweb/internal/models"
)

// Field names. They match the backend's JSON keys so server field errors
// land on the same inputs as local ones.
const (
	FieldDocumentType    = "tipo_documento"
	FieldDocumentNumber  = "numero_documento"
	FieldFullName        = "nombre_completo"
	FieldEmail           = "correo_electronico"
	FieldPassword        = "password"
	FieldConfirmPassword = "confirm_password"
	FieldFiscalYear      = "ano_fiscal"
	FieldTotalIncome     = "ingresos_totales"
	FieldDeductions      = "deducciones_aplicadas"
	FieldCivilStatus     = "estado_civil"
	FieldDependents      = "dependientes"
	FieldNotes           = "otros_ingresos_deducciones"
)

const msgRequired = "This field is required."

var (
	// DocumentTypes are the identity documents accepted at registration.
	DocumentTypes = []string{"Cedula", "Tarjeta de identidad", "Pasaporte", "Cedula de extranjería"}
	// CivilStatuses are the choices offered on a declaration.
	CivilStatuses = []string{"Soltero/a", "Casado/a", "Divorciado/a", "Viudo/a"}

	emailPattern  = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	digitsPattern = regexp.MustCompile(`^\d+$`)
)

// ValidEmail reports whether s looks like an email address.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// RegistrationDraft is the registration form exactly as typed.
type RegistrationDraft struct {
	DocumentType    string
	DocumentNumber  string
	FullName        string
	Email           string
	Password        string
	ConfirmPassword string
}

// Validate applies the registration rules. A missing value always reports
// "required", whatever else is wrong with the field.
func (d RegistrationDraft) Validate() FieldErrors {
	errs := FieldErrors{}

	required := map[string]string{
		FieldDocumentType:    d.DocumentType,
		FieldDocumentNumber:  d.DocumentNumber,
		FieldFullName:        d.FullName,
		FieldEmail:           d.Email,
		FieldPassword:        d.Password,
		FieldConfirmPassword: d.ConfirmPassword,
	}
	for field, value := range required {
		if value == "" {
			errs.Set(field, msgRequired)
		}
	}

	if d.DocumentType != "" && !slices.Contains(DocumentTypes, d.DocumentType) {
		errs.Add(FieldDocumentType, "Choose a valid document type.")
	}
	if d.DocumentNumber != "" && !digitsPattern.MatchString(d.DocumentNumber) {
		errs.Add(FieldDocumentNumber, "The document number must contain digits only.")
	}
	if d.FullName != "" {
		if utf8.RuneCountInString(d.FullName) <= 3 {
			errs.Add(FieldFullName, "The name must be longer than 3 characters.")
		} else if !lettersAndSpaces(d.FullName) {
			errs.Add(FieldFullName, "The name must not contain numbers or special characters.")
		}
	}
	if d.Email != "" && !ValidEmail(d.Email) {
		errs.Add(FieldEmail, "Enter a valid email address.")
	}
	if d.Password != "" {
		if len(d.Password) < 8 {
			errs.Add(FieldPassword, "The password must be at least 8 characters long.")
		} else if !hasLower(d.Password) || !hasUpper(d.Password) || !hasDigit(d.Password) {
			errs.Add(FieldPassword, "The password must contain an uppercase letter, a lowercase letter and a number.")
		}
	}
	if d.ConfirmPassword != "" && d.Password != d.ConfirmPassword {
		errs.Add(FieldConfirmPassword, "The confirmation must match the password.")
	}

	return errs
}

// Registration converts a validated draft into the request body.
func (d RegistrationDraft) Registration() models.Registration {
	return models.Registration{
		DocumentType:   d.DocumentType,
		DocumentNumber: d.DocumentNumber,
		FullName:       d.FullName,
		Email:          strings.TrimSpace(d.Email),
		Password:       d.Password,
	}
}

// DeclarationDraft is the new-declaration form as typed. Numbers stay text
// until Parse.
type DeclarationDraft struct {
	FiscalYear  string
	TotalIncome string
	Deductions  string
	CivilStatus string
	Dependents  string
	Notes       string
}

// NewDeclarationDraft returns the form defaults: last year, single.
func NewDeclarationDraft(now time.Time) DeclarationDraft {
	return DeclarationDraft{
		FiscalYear:  strconv.Itoa(now.Year() - 1),
		CivilStatus: CivilStatuses[0],
	}
}

// Parse validates the draft and produces the request body. A fiscal year
// that is not a whole number is rejected here rather than sent as null.
func (d DeclarationDraft) Parse() (models.DeclarationInput, FieldErrors) {
	errs := FieldErrors{}
	var in models.DeclarationInput

	year := strings.TrimSpace(d.FiscalYear)
	switch n, err := strconv.Atoi(year); {
	case year == "":
		errs.Set(FieldFiscalYear, msgRequired)
	case err != nil:
		errs.Set(FieldFiscalYear, "The fiscal year must be a whole number.")
	default:
		in.FiscalYear = n
	}

	income := strings.TrimSpace(d.TotalIncome)
	if income == "" {
		errs.Set(FieldTotalIncome, msgRequired)
	} else if v, ok := parseAmount(income); !ok {
		errs.Set(FieldTotalIncome, "Total income must be a non-negative number.")
	} else {
		in.TotalIncome = v
	}

	if deductions := strings.TrimSpace(d.Deductions); deductions != "" {
		if v, ok := parseAmount(deductions); ok {
			in.Deductions = v
		} else {
			errs.Set(FieldDeductions, "Deductions must be a non-negative number.")
		}
	}

	if !slices.Contains(CivilStatuses, d.CivilStatus) {
		errs.Set(FieldCivilStatus, "Choose a valid civil status.")
	} else {
		in.CivilStatus = d.CivilStatus
	}

	if dependents := strings.TrimSpace(d.Dependents); dependents != "" {
		if n, err := strconv.Atoi(dependents); err == nil && n >= 0 {
			in.Dependents = &n
		} else {
			errs.Set(FieldDependents, "Dependents must be a whole number of zero or more.")
		}
	}

	in.Notes = strings.TrimSpace(d.Notes)

	if len(errs) > 0 {
		return models.DeclarationInput{}, errs
	}
	return in, nil
}

func parseAmount(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}

// UserUpdateDraft is the admin edit form as typed.
type UserUpdateDraft struct {
	FullName        string
	Email           string
	Password        string
	ConfirmPassword string
	Active          bool
}

// Validate checks the optional password change.
func (d UserUpdateDraft) Validate() FieldErrors {
	errs := FieldErrors{}
	if d.Email != "" && !ValidEmail(d.Email) {
		errs.Set(FieldEmail, "Enter a valid email address.")
	}
	if d.Password == "" {
		return errs
	}
	if len(d.Password) < 8 {
		errs.Set(FieldPassword, "The password must be at least 8 characters long.")
	} else if !strongPassword(d.Password) {
		errs.Set(FieldPassword, "The password must contain a lowercase letter, a number and one of @$!%*?&, and nothing else.")
	}
	if d.Password != d.ConfirmPassword {
		errs.Set(FieldConfirmPassword, "The passwords do not match.")
	}
	return errs
}

// Update converts a validated draft into the request body.
func (d UserUpdateDraft) Update() models.UserUpdate {
	status := models.StatusInactive
	if d.Active {
		status = models.StatusActive
	}
	return models.UserUpdate{
		FullName: d.FullName,
		Email:    strings.TrimSpace(d.Email),
		Password: d.Password,
		Status:   status,
	}
}

// DraftFromRecord fills the edit form from a fetched account.
func DraftFromRecord(u models.AdminUserRecord) UserUpdateDraft {
	return UserUpdateDraft{FullName: u.FullName, Email: u.Email, Active: u.Active()}
}

// LoginDraft is the login form as typed.
type LoginDraft struct {
	Email    string
	Password string
}

// Validate requires both fields.
func (d LoginDraft) Validate() FieldErrors {
	errs := FieldErrors{}
	if strings.TrimSpace(d.Email) == "" {
		errs.Set(FieldEmail, msgRequired)
	}
	if d.Password == "" {
		errs.Set(FieldPassword, msgRequired)
	}
	return errs
}

// Credentials converts the draft into the login body.
func (d LoginDraft) Credentials() models.Credentials {
	return models.Credentials{Email: strings.TrimSpace(d.Email), Password: d.Password}
}

// ResetDraft is the new-password form as typed.
type ResetDraft struct {
	Password        string
	ConfirmPassword string
}

// Validate requires a password and a matching confirmation.
func (d ResetDraft) Validate() FieldErrors {
	errs := FieldErrors{}
	if d.Password == "" {
		errs.Set(FieldPassword, msgRequired)
	}
	if d.Password != d.ConfirmPassword {
		errs.Set(FieldConfirmPassword, "The passwords do not match.")
	}
	return errs
}

func lettersAndSpaces(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func hasLower(s string) bool { return strings.IndexFunc(s, unicode.IsLower) >= 0 }
func hasUpper(s string) bool { return strings.IndexFunc(s, unicode.IsUpper) >= 0 }
func hasDigit(s string) bool { return strings.IndexFunc(s, unicode.IsDigit) >= 0 }

const passwordSpecials = "@$!%*?&"

// strongPassword requires a lowercase letter, a digit and a special from
// passwordSpecials, with no characters outside ASCII letters, digits and
// those specials.
func strongPassword(s string) bool {
	var lower, digit, special bool
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		default:
			return false
		}
	}
	return lower && digit && special
}
