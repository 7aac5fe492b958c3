package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead represents a single contact/lead
type Lead struct {
	gorm.Model

	Email       string `gorm:"index" json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Company     string `json:"company"`
	Position    string `json:"position"`
	Phone       string `gorm:"index" json:"phone"`
	Website     string `json:"website"`
	LinkedInURL string `json:"linkedin_url"`

	// Free-form attributes available to templates
	CustomFields map[string]string `gorm:"type:jsonb;serializer:json" json:"custom_fields"`

	// Status
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	// Metadata
	Source      string     `json:"source"`
	LastContact *time.Time `json:"last_contact"`
}

// Contactable reports whether the engine may reach out to the lead at all.
func (l *Lead) Contactable() bool {
	return !l.IsUnsubscribed && !l.IsDoNotContact
}

// FullName joins first and last name, skipping empty parts.
func (l *Lead) FullName() string {
	switch {
	case l.FirstName == "":
		return l.LastName
	case l.LastName == "":
		return l.FirstName
	}
	return l.FirstName + " " + l.LastName
}

// Attributes flattens the lead into template tokens. Custom fields never
// override the built-in attributes.
func (l *Lead) Attributes() map[string]string {
	attrs := make(map[string]string, len(l.CustomFields)+10)
	for k, v := range l.CustomFields {
		attrs[k] = v
	}
	attrs["email"] = l.Email
	attrs["first_name"] = l.FirstName
	attrs["last_name"] = l.LastName
	attrs["full_name"] = l.FullName()
	attrs["company"] = l.Company
	attrs["position"] = l.Position
	attrs["phone"] = l.Phone
	attrs["website"] = l.Website
	attrs["linkedin_url"] = l.LinkedInURL
	return attrs
}
