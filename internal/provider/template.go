package provider

import (
	"strconv"
	"strings"
)

// ownerToken is the only substitution the instruction template supports.
const ownerToken = "{USER_ID}"

// TemplateContext is the typed substitution context for instruction
// templates. Substitution goes through here rather than ad-hoc string
// replacement at call sites, so the token set stays in one place.
type TemplateContext struct {
	OwnerID *int64
}

// RenderInstructions personalizes an instruction template. Shared
// assistants (nil owner) get the template back unmodified, token included.
func RenderInstructions(template string, tc TemplateContext) string {
	if tc.OwnerID == nil {
		return template
	}
	return strings.ReplaceAll(template, ownerToken, strconv.FormatInt(*tc.OwnerID, 10))
}
