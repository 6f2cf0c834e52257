package cloudsuite

import "github.com/prismhq/prism/pkg/catalog"

// knownFields is the attribute inventory for the cloud productivity suite.
// NativeName addresses the user resource; queryNames below lists the subset
// the suite's search syntax can filter on server-side.
var knownFields = []catalog.FieldDescriptor{
	{Name: "mail", DisplayName: "Primary Email", NativeName: "primaryEmail", Type: catalog.TypeString, Category: "account"},
	{Name: "displayName", DisplayName: "Full Name", NativeName: "name.fullName", Type: catalog.TypeString, Category: "account"},
	{Name: "firstName", DisplayName: "First Name", NativeName: "name.givenName", Type: catalog.TypeString, Category: "account"},
	{Name: "lastName", DisplayName: "Last Name", NativeName: "name.familyName", Type: catalog.TypeString, Category: "account"},
	{Name: "suspended", DisplayName: "Suspended", NativeName: "suspended", Type: catalog.TypeBoolean, Category: "account"},
	{Name: "archived", DisplayName: "Archived", NativeName: "archived", Type: catalog.TypeBoolean, Category: "account"},
	{Name: "created", DisplayName: "Created", NativeName: "creationTime", Type: catalog.TypeDatetime, Category: "account"},
	{Name: "aliases", DisplayName: "Email Aliases", NativeName: "aliases", Type: catalog.TypeArray, Category: "account"},
	{Name: "lastLogin", DisplayName: "Last Login", NativeName: "lastLoginTime", Type: catalog.TypeDatetime, Category: "activity"},
	{Name: "admin", DisplayName: "Administrator", NativeName: "isAdmin", Type: catalog.TypeBoolean, Category: "security"},
	{Name: "twoFactorEnrolled", DisplayName: "2-Step Verification", NativeName: "isEnrolledIn2Sv", Type: catalog.TypeBoolean, Category: "security"},
	{Name: "orgUnit", DisplayName: "Organizational Unit", NativeName: "orgUnitPath", Type: catalog.TypeString, Category: "organization"},
}

// queryNames maps catalog field names to the suite's search terms. Fields
// absent here cannot be filtered server-side; their clauses fall back.
var queryNames = map[string]string{
	"mail":        "email",
	"displayName": "name",
	"firstName":   "givenName",
	"lastName":    "familyName",
	"suspended":   "isSuspended",
	"admin":       "isAdmin",
	"orgUnit":     "orgUnitPath",
}

// orderFields maps catalog field names to the suite's native sort keys.
var orderFields = map[string]string{
	"mail":      "email",
	"firstName": "givenName",
	"lastName":  "familyName",
}

func init() {
	for i := range knownFields {
		knownFields[i].Operators = catalog.OperatorsFor(knownFields[i].Type)
	}
}
