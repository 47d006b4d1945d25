package tools

import (
	"context"
	"errors"

	"google.golang.org/genai"

	"github.com/ent0n29/voicerelay/internal/crm"
)

// ContactPusher is satisfied by *crm.Client.
type ContactPusher interface {
	PushContact(ctx context.Context, clientID string, contact crm.Contact) (string, error)
}

// PushToCRM records a lead captured during the call.
type PushToCRM struct {
	crm ContactPusher
}

func NewPushToCRM(client ContactPusher) *PushToCRM {
	return &PushToCRM{crm: client}
}

func (*PushToCRM) Name() string { return "push_to_crm" }

func (*PushToCRM) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        "push_to_crm",
		Description: "Save the caller's contact details as a new lead once they agree to be contacted.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"name":    stringSchema("Full name of the caller."),
				"email":   stringSchema("Email address."),
				"phone":   stringSchema("Phone number including country code if given."),
				"company": stringSchema("Company or organisation."),
				"notes":   stringSchema("Short summary of what the caller needs."),
			},
			Required: []string{"name"},
		},
	}
}

func (p *PushToCRM) Call(ctx context.Context, clientID string, args map[string]any) any {
	contact := crm.Contact{
		Name:    stringArg(args, "name"),
		Email:   stringArg(args, "email"),
		Phone:   stringArg(args, "phone"),
		Company: stringArg(args, "company"),
		Notes:   stringArg(args, "notes"),
		Source:  "voice_agent",
	}
	if contact.Name == "" && contact.Email == "" && contact.Phone == "" {
		return ErrorResult{Error: "name, email or phone is required"}
	}
	if p.crm == nil {
		return ErrorResult{Error: "CRM is not connected"}
	}
	id, err := p.crm.PushContact(ctx, clientID, contact)
	if err != nil {
		if errors.Is(err, crm.ErrNoToken) {
			return ErrorResult{Error: "CRM is not connected"}
		}
		return ErrorResult{Error: "CRM push failed: " + err.Error()}
	}
	return map[string]any{"success": true, "contactId": id}
}
