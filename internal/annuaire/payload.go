package annuaire

import (
	"errors"
	"fmt"

	"github.com/edvin/mssante/internal/model"
)

// BAL type codes used by the directory.
const (
	TypePersonal       = "PER"
	TypeOrganizational = "ORG"
	TypeApplicative    = "APP"
)

var ErrIncompletePayload = errors.New("incomplete directory payload")

// PublishRequest is the body of POST /bal and PUT /bal/{id}. Exactly one of
// Person, Structure or Application is set, depending on Type.
type PublishRequest struct {
	Type        string            `json:"typeBal"`
	Email       string            `json:"adresse"`
	DisplayName string            `json:"libelle,omitempty"`
	Person      *PersonPayload    `json:"personne,omitempty"`
	Structure   *StructurePayload `json:"structure,omitempty"`
	Application *AppPayload       `json:"application,omitempty"`
}

// PersonPayload identifies the practitioner behind a personal BAL.
type PersonPayload struct {
	NationalID     string `json:"idNational"`
	LastName       string `json:"nom"`
	FirstName      string `json:"prenom"`
	ProfessionCode string `json:"codeProfession,omitempty"`
	SpecialtyCode  string `json:"codeSpecialite,omitempty"`
}

// StructurePayload identifies the facility service behind an organizational BAL.
type StructurePayload struct {
	Finess      string `json:"finess,omitempty"`
	Siret       string `json:"siret,omitempty"`
	ServiceName string `json:"service"`
}

// AppPayload describes the software behind an applicative BAL.
type AppPayload struct {
	Name    string `json:"nom"`
	Editor  string `json:"editeur,omitempty"`
	Version string `json:"version,omitempty"`
}

// BuildPublishRequest picks the payload shape for the mailbox type. owner is
// required for personal mailboxes and domain for organizational ones.
func BuildPublishRequest(mb *model.Mailbox, owner *model.Practitioner, domain *model.Domain) (PublishRequest, error) {
	req := PublishRequest{Email: mb.Email, DisplayName: mb.DisplayName}

	switch mb.Type {
	case model.MailboxTypePersonal:
		if owner == nil || owner.RPPS == "" {
			return req, fmt.Errorf("%w: personal mailbox %s has no practitioner identifier", ErrIncompletePayload, mb.Email)
		}
		req.Type = TypePersonal
		req.Person = &PersonPayload{
			NationalID:     owner.RPPS,
			LastName:       owner.LastName,
			FirstName:      owner.FirstName,
			ProfessionCode: owner.ProfessionCode,
			SpecialtyCode:  owner.SpecialtyCode,
		}
		if req.DisplayName == "" {
			req.DisplayName = owner.FirstName + " " + owner.LastName
		}

	case model.MailboxTypeOrganizational:
		if domain == nil || (deref(domain.Finess) == "" && deref(domain.Siret) == "") {
			return req, fmt.Errorf("%w: organizational mailbox %s has no facility identifier", ErrIncompletePayload, mb.Email)
		}
		if mb.Metadata.ServiceName == "" {
			return req, fmt.Errorf("%w: organizational mailbox %s has no service name", ErrIncompletePayload, mb.Email)
		}
		req.Type = TypeOrganizational
		req.Structure = &StructurePayload{
			Finess:      deref(domain.Finess),
			Siret:       deref(domain.Siret),
			ServiceName: mb.Metadata.ServiceName,
		}

	case model.MailboxTypeApplicative:
		app := mb.Metadata.Application
		if app == nil || app.Name == "" {
			return req, fmt.Errorf("%w: applicative mailbox %s has no application name", ErrIncompletePayload, mb.Email)
		}
		req.Type = TypeApplicative
		req.Application = &AppPayload{Name: app.Name, Editor: app.Editor, Version: app.Version}

	default:
		return req, fmt.Errorf("%w: unknown mailbox type %q", ErrIncompletePayload, mb.Type)
	}

	return req, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
