package ca

import "time"

// TrustedCA is a root CA certificate a tenant registered to authenticate
// its devices.
type TrustedCA struct {
	ID                    string    `json:"id"`
	CaFingerprint         string    `json:"caFingerprint"`
	CaPem                 string    `json:"caPem"`
	SubjectDN             string    `json:"subjectDN"`
	Validity              Validity  `json:"validity"`
	AllowAutoRegistration bool      `json:"allowAutoRegistration"`
	Tenant                string    `json:"tenant"`
	CreatedAt             time.Time `json:"createdAt"`
	ModifiedAt            time.Time `json:"modifiedAt"`
}

type Validity struct {
	NotBefore time.Time `json:"notBefore"`
	NotAfter  time.Time `json:"notAfter"`
}

// Fields lists every field of a TrustedCA by its JSON name.
var Fields = []string{
	"id",
	"caFingerprint",
	"caPem",
	"subjectDN",
	"validity",
	"allowAutoRegistration",
	"tenant",
	"createdAt",
	"modifiedAt",
}

// Project keeps only the named fields. An empty list keeps all of them.
func (c TrustedCA) Project(fields []string) map[string]interface{} {
	if len(fields) == 0 {
		fields = Fields
	}
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		switch f {
		case "id":
			out[f] = c.ID
		case "caFingerprint":
			out[f] = c.CaFingerprint
		case "caPem":
			out[f] = c.CaPem
		case "subjectDN":
			out[f] = c.SubjectDN
		case "validity":
			out[f] = c.Validity
		case "allowAutoRegistration":
			out[f] = c.AllowAutoRegistration
		case "tenant":
			out[f] = c.Tenant
		case "createdAt":
			out[f] = c.CreatedAt
		case "modifiedAt":
			out[f] = c.ModifiedAt
		}
	}
	return out
}

// Filter holds equality predicates keyed by JSON field name.
type Filter map[string]string

type ListOptions struct {
	Limit  int
	Offset int
	// SortBy is "field", "asc:field" or "desc:field".
	SortBy string
}

type List struct {
	ItemCount int         `json:"itemCount"`
	Results   []TrustedCA `json:"results"`
}
