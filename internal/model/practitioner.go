package model

// Practitioner is a health professional owning personal mailboxes.
type Practitioner struct {
	ID             string `json:"id" db:"id"`
	RPPS           string `json:"rpps" db:"rpps"`
	FirstName      string `json:"first_name" db:"first_name"`
	LastName       string `json:"last_name" db:"last_name"`
	ProfessionCode string `json:"profession_code" db:"profession_code"`
	SpecialtyCode  string `json:"specialty_code,omitempty" db:"specialty_code"`
}
