package request

import "github.com/edvin/mssante/internal/model"

type Application struct {
	Name    string `json:"name" validate:"required,max=128"`
	Editor  string `json:"editor" validate:"omitempty,max=128"`
	Version string `json:"version" validate:"omitempty,max=32"`
}

type MailboxMetadata struct {
	ServiceName string       `json:"service_name" validate:"omitempty,max=128"`
	Application *Application `json:"application"`
}

func (m *MailboxMetadata) Model() model.MailboxMetadata {
	out := model.MailboxMetadata{ServiceName: m.ServiceName}
	if m.Application != nil {
		out.Application = &model.Application{
			Name:    m.Application.Name,
			Editor:  m.Application.Editor,
			Version: m.Application.Version,
		}
	}
	return out
}

type CreateMailbox struct {
	Email               string          `json:"email" validate:"required,email,max=254"`
	Type                string          `json:"type" validate:"required,oneof=personal organizational applicative"`
	OwnerID             *string         `json:"owner_id" validate:"omitempty,min=1"`
	DisplayName         string          `json:"display_name" validate:"max=128"`
	QuotaMB             int64           `json:"quota_mb" validate:"omitempty,min=1"`
	Password            string          `json:"password" validate:"omitempty,min=12,max=128"`
	HiddenFromDirectory bool            `json:"hidden_from_directory"`
	CertificateID       *string         `json:"certificate_id"`
	Metadata            MailboxMetadata `json:"metadata"`
}

type UpdateMailbox struct {
	DisplayName         *string          `json:"display_name" validate:"omitempty,max=128"`
	Status              *string          `json:"status" validate:"omitempty,oneof=pending active suspended archived deleted"`
	QuotaMB             *int64           `json:"quota_mb" validate:"omitempty,min=1"`
	HiddenFromDirectory *bool            `json:"hidden_from_directory"`
	CertificateID       *string          `json:"certificate_id"`
	Metadata            *MailboxMetadata `json:"metadata"`
}

type AddDelegation struct {
	DelegateEmail string `json:"delegate_email" validate:"required,email,max=254"`
	Rights        string `json:"rights" validate:"omitempty,oneof=read write admin"`
}
