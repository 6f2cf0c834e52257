package clouddirectory

import "github.com/prismhq/prism/pkg/catalog"

// knownFields is the attribute inventory for the cloud identity directory.
// Discovery probes readability per attribute group against the live tenant.
var knownFields = []catalog.FieldDescriptor{
	{Name: "id", DisplayName: "Object ID", NativeName: "id", Type: catalog.TypeString, Category: "account"},
	{Name: "principalName", DisplayName: "Principal Name", NativeName: "userPrincipalName", Type: catalog.TypeString, Category: "account"},
	{Name: "displayName", DisplayName: "Display Name", NativeName: "displayName", Type: catalog.TypeString, Category: "account"},
	{Name: "enabled", DisplayName: "Account Enabled", NativeName: "accountEnabled", Type: catalog.TypeBoolean, Category: "account"},
	{Name: "created", DisplayName: "Created", NativeName: "createdDateTime", Type: catalog.TypeDatetime, Category: "account"},
	{Name: "passwordChanged", DisplayName: "Password Changed", NativeName: "lastPasswordChangeDateTime", Type: catalog.TypeDatetime, Category: "account"},
	{Name: "mail", DisplayName: "Email Address", NativeName: "mail", Type: catalog.TypeString, Category: "contact"},
	{Name: "phone", DisplayName: "Mobile Phone", NativeName: "mobilePhone", Type: catalog.TypeString, Category: "contact"},
	{Name: "title", DisplayName: "Job Title", NativeName: "jobTitle", Type: catalog.TypeString, Category: "organization"},
	{Name: "department", DisplayName: "Department", NativeName: "department", Type: catalog.TypeString, Category: "organization"},
	{Name: "company", DisplayName: "Company", NativeName: "companyName", Type: catalog.TypeString, Category: "organization"},
	{Name: "manager", DisplayName: "Manager", NativeName: "manager", Type: catalog.TypeReference, Category: "organization"},
	{Name: "city", DisplayName: "City", NativeName: "city", Type: catalog.TypeString, Category: "location"},
	{Name: "country", DisplayName: "Country", NativeName: "country", Type: catalog.TypeString, Category: "location"},
	{Name: "usageLocation", DisplayName: "Usage Location", NativeName: "usageLocation", Type: catalog.TypeString, Category: "location"},
	{Name: "memberOf", DisplayName: "Group Membership", NativeName: "memberOf", Type: catalog.TypeArray, Category: "groups"},
}

func init() {
	for i := range knownFields {
		knownFields[i].Operators = catalog.OperatorsFor(knownFields[i].Type)
	}
}
