package request

type ImportCertificate struct {
	DomainID       string  `json:"domain_id" validate:"required"`
	MailboxID      *string `json:"mailbox_id" validate:"omitempty,min=1"`
	Type           string  `json:"type" validate:"required,oneof=domain mailbox annuaire_client"`
	CertificatePEM string  `json:"certificate_pem" validate:"required"`
	PrivateKeyPEM  string  `json:"private_key_pem" validate:"required"`
}

type RevokeCertificate struct {
	Reason string `json:"reason" validate:"required,max=512"`
}

type BulkRevokeCertificates struct {
	IDs    []string `json:"ids" validate:"required,min=1,max=500,dive,required"`
	Reason string   `json:"reason" validate:"required,max=512"`
}
