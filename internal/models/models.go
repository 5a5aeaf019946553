package models

import "time"

// Account status values as the backend spells them.
const (
	StatusActive   = "activo"
	StatusInactive = "inactivo"
)

// UserSummary is the authenticated user as reported by the session endpoints.
type UserSummary struct {
	ID       int64  `json:"id"`
	FullName string `json:"nombre_completo"`
	Email    string `json:"correo_electronico"`
	IsAdmin  bool   `json:"es_admin"`
}

// Declaration represents a tax declaration owned by one user.
type Declaration struct {
	ID          int64     `json:"id"`
	FiscalYear  int       `json:"ano_fiscal"`
	TotalIncome float64   `json:"ingresos_totales"`
	Status      string    `json:"estado"`
	CreatedAt   time.Time `json:"fecha_creacion"`
	Deductions  float64   `json:"deducciones_aplicadas,omitempty"`
	CivilStatus string    `json:"estado_civil,omitempty"`
	Dependents  *int      `json:"dependientes,omitempty"`
	Notes       string    `json:"otros_ingresos_deducciones,omitempty"`
}

// DeclarationInput is the parsed body sent to create a declaration.
type DeclarationInput struct {
	FiscalYear  int     `json:"ano_fiscal"`
	TotalIncome float64 `json:"ingresos_totales"`
	Deductions  float64 `json:"deducciones_aplicadas"`
	CivilStatus string  `json:"estado_civil"`
	Dependents  *int    `json:"dependientes"`
	Notes       string  `json:"otros_ingresos_deducciones,omitempty"`
}

// AdminUserRecord is a user account as seen by administrators.
type AdminUserRecord struct {
	ID             int64  `json:"id"`
	FullName       string `json:"nombre_completo"`
	Email          string `json:"correo_electronico"`
	DocumentType   string `json:"tipo_documento"`
	DocumentNumber string `json:"numero_documento"`
	Status         string `json:"estado"`
	IsAdmin        bool   `json:"es_admin"`
}

// Active reports whether the account is enabled.
func (u AdminUserRecord) Active() bool {
	return u.Status == StatusActive
}

// Registration is the body of POST /register.
type Registration struct {
	DocumentType   string `json:"tipo_documento"`
	DocumentNumber string `json:"numero_documento"`
	FullName       string `json:"nombre_completo"`
	Email          string `json:"correo_electronico"`
	Password       string `json:"password"`
}

// UserUpdate is the body of PUT /admin/users/:id. An empty password is omitted.
type UserUpdate struct {
	FullName string `json:"nombre_completo"`
	Email    string `json:"correo_electronico,omitempty"`
	Password string `json:"password,omitempty"`
	Status   string `json:"estado"`
}

// Credentials is the body of POST /login.
type Credentials struct {
	Email    string `json:"correo_electronico"`
	Password string `json:"password"`
}

// LoginResponse is the success payload of POST /login.
type LoginResponse struct {
	Message string      `json:"message"`
	User    UserSummary `json:"user"`
}
