// internal/service/template_service.go
package service

import (
	"strings"
)

const (
	PlaceholderCustomerName = "{{customerName}}"
	PlaceholderMessage      = "{{message}}"
)

// RenderMessage fills every {{customerName}} and {{message}} in one pass.
// Substituted text is not scanned again and unknown placeholders are kept as is.
func RenderMessage(template, customerName, message string) string {
	return strings.NewReplacer(
		PlaceholderCustomerName, customerName,
		PlaceholderMessage, message,
	).Replace(template)
}
