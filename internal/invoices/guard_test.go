package invoices

import (
	"strings"
	"testing"
)

func TestValidateReadOnlyAcceptsSelects(t *testing.T) {
	ok := []string{
		"SELECT * FROM invoices WHERE identity = 'u'",
		"select invoice_date, amount from invoices order by created_at desc limit 5",
		"SELECT u.display_name, i.amount FROM users u JOIN invoices i ON i.identity = u.identity",
	}
	for _, stmt := range ok {
		if err := ValidateReadOnly(stmt); err != nil {
			t.Fatalf("ValidateReadOnly(%q) error = %v", stmt, err)
		}
	}
}

func TestValidateReadOnlyRejectsMutatingKeywords(t *testing.T) {
	keywords := []string{"drop", "delete", "truncate", "insert", "update", "grant", "revoke", "alter", "create", "replace"}
	for _, kw := range keywords {
		variants := []string{
			kw + " TABLE invoices",
			"SELECT 1; " + strings.ToUpper(kw) + " TABLE invoices",
			"select * from invoices where payee = 'x'; " + kw + " table users",
		}
		for _, stmt := range variants {
			if err := ValidateReadOnly(stmt); err == nil {
				t.Fatalf("ValidateReadOnly(%q) accepted statement containing %q", stmt, kw)
			}
		}
	}
}

func TestValidateReadOnlyKeywordAsSubstringAllowed(t *testing.T) {
	// "created_at" contains "create"; whole-word matching must not trip.
	stmt := "SELECT created_at, amount FROM invoices WHERE identity = 'u' ORDER BY created_at"
	if err := ValidateReadOnly(stmt); err != nil {
		t.Fatalf("ValidateReadOnly(%q) error = %v", stmt, err)
	}
}

func TestValidateReadOnlyRequiresSelect(t *testing.T) {
	if err := ValidateReadOnly("SHOW TABLES"); err == nil {
		t.Fatalf("ValidateReadOnly should require a SELECT")
	}
	if err := ValidateReadOnly(""); err == nil {
		t.Fatalf("ValidateReadOnly should reject empty statements")
	}
}
