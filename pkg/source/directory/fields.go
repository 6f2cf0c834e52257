package directory

import "github.com/prismhq/prism/pkg/catalog"

// knownFields is the attribute inventory the product ships for directory
// backends. Discovery probes which attribute groups the bound credential
// can actually read and drops or flags the rest; it never invents fields
// beyond this set.
var knownFields = []catalog.FieldDescriptor{
	{Name: "accountName", DisplayName: "Account Name", NativeName: "sAMAccountName", Type: catalog.TypeString, Category: "account"},
	{Name: "principalName", DisplayName: "Principal Name", NativeName: "userPrincipalName", Type: catalog.TypeString, Category: "account"},
	{Name: "displayName", DisplayName: "Display Name", NativeName: "displayName", Type: catalog.TypeString, Category: "account"},
	{Name: "enabled", DisplayName: "Account Enabled", NativeName: "accountEnabled", Type: catalog.TypeBoolean, Category: "account"},
	{Name: "locked", DisplayName: "Account Locked", NativeName: "lockoutTime", Type: catalog.TypeBoolean, Category: "account"},
	{Name: "created", DisplayName: "Created", NativeName: "whenCreated", Type: catalog.TypeDatetime, Category: "account"},
	{Name: "passwordLastSet", DisplayName: "Password Last Set", NativeName: "pwdLastSet", Type: catalog.TypeDatetime, Category: "account"},
	{Name: "lastLogon", DisplayName: "Last Logon", NativeName: "lastLogonTimestamp", Type: catalog.TypeDatetime, Category: "activity"},
	{Name: "logonCount", DisplayName: "Logon Count", NativeName: "logonCount", Type: catalog.TypeInteger, Category: "activity"},
	{Name: "mail", DisplayName: "Email Address", NativeName: "mail", Type: catalog.TypeString, Category: "contact"},
	{Name: "phone", DisplayName: "Telephone", NativeName: "telephoneNumber", Type: catalog.TypeString, Category: "contact"},
	{Name: "title", DisplayName: "Job Title", NativeName: "title", Type: catalog.TypeString, Category: "organization"},
	{Name: "department", DisplayName: "Department", NativeName: "department", Type: catalog.TypeString, Category: "organization"},
	{Name: "company", DisplayName: "Company", NativeName: "company", Type: catalog.TypeString, Category: "organization"},
	{Name: "manager", DisplayName: "Manager", NativeName: "manager", Type: catalog.TypeReference, Category: "organization"},
	{Name: "memberOf", DisplayName: "Group Membership", NativeName: "memberOf", Type: catalog.TypeArray, Category: "groups"},
}

func init() {
	// Attach the default operator set per semantic type; the tables above
	// only declare shape and mapping.
	for i := range knownFields {
		knownFields[i].Operators = catalog.OperatorsFor(knownFields[i].Type)
	}
}
