package query

import (
	"fmt"
	"strings"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/config"
)

// ValidationError describes one violation in a query request.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validation error codes.
const (
	CodeSourceUnknown   = "source_unknown"
	CodeSourceDisabled  = "source_disabled"
	CodeNoFields        = "no_fields_selected"
	CodeFieldUnknown    = "field_unknown"
	CodeFieldDuplicate  = "field_duplicate"
	CodeOperatorInvalid = "operator_invalid"
	CodeParamMissing    = "parameter_missing"
	CodePageInvalid     = "page_invalid"
	CodePageSizeInvalid = "page_size_invalid"
	CodeCatalogMismatch = "catalog_mismatch"
)

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// ValidationErrors is the complete list of violations found in one request.
// Validation is not fail-fast: callers get every problem in one round trip.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("query validation failed: %s", strings.Join(msgs, "; "))
}

// Validator checks raw requests against a field catalog version.
type Validator struct {
	limits        config.LimitsConfig
	sourceEnabled func(source string) (known, enabled bool)
}

// NewValidator creates a validator. sourceEnabled reports whether a source
// kind is registered and currently enabled.
func NewValidator(limits config.LimitsConfig, sourceEnabled func(source string) (known, enabled bool)) *Validator {
	return &Validator{limits: limits, sourceEnabled: sourceEnabled}
}

// Validate checks a raw request against the catalog and returns the
// validated Definition. All violations are collected and returned together
// as a ValidationErrors value.
//
// Checks, in order: source known and enabled; selected fields exist and are
// unique; filter operators are allowed for their field's semantic type;
// group/order fields are present in the catalog (selection not required);
// pagination bounds; parameter references resolve.
func (v *Validator) Validate(req Request, cat *catalog.FieldCatalog) (Definition, error) {
	var errs ValidationErrors

	known, enabled := v.sourceEnabled(req.Source)
	switch {
	case !known:
		errs = append(errs, ValidationError{
			Code:    CodeSourceUnknown,
			Message: fmt.Sprintf("unknown source %q", req.Source),
		})
	case !enabled:
		errs = append(errs, ValidationError{
			Code:    CodeSourceDisabled,
			Message: fmt.Sprintf("source %q is disabled", req.Source),
		})
	}

	if cat != nil && known && cat.Source != req.Source {
		errs = append(errs, ValidationError{
			Code:    CodeCatalogMismatch,
			Message: fmt.Sprintf("catalog belongs to source %q, request targets %q", cat.Source, req.Source),
		})
	}

	if len(req.Fields) == 0 {
		errs = append(errs, ValidationError{
			Code:    CodeNoFields,
			Message: "at least one field must be selected",
		})
	}

	seen := make(map[string]struct{}, len(req.Fields))
	fields := make([]string, 0, len(req.Fields))
	for _, name := range req.Fields {
		if _, dup := seen[name]; dup {
			errs = append(errs, ValidationError{
				Field:   name,
				Code:    CodeFieldDuplicate,
				Message: "field selected more than once",
			})
			continue
		}
		seen[name] = struct{}{}
		fields = append(fields, name)
		if cat != nil && !cat.Has(name) {
			errs = append(errs, ValidationError{
				Field:   name,
				Code:    CodeFieldUnknown,
				Message: "field not present in the active catalog",
			})
		}
	}

	filters := make([]FilterClause, 0, len(req.Filters))
	for _, clause := range req.Filters {
		for _, ref := range clause.paramRefs() {
			if _, ok := req.Params[ref]; !ok {
				errs = append(errs, ValidationError{
					Field:   clause.Field,
					Code:    CodeParamMissing,
					Message: fmt.Sprintf("filter references parameter %q which was not supplied", ref),
				})
			}
		}
		resolved := clause.resolveParams(req.Params)
		filters = append(filters, resolved)

		if cat == nil {
			continue
		}
		desc, ok := cat.Field(clause.Field)
		if !ok {
			errs = append(errs, ValidationError{
				Field:   clause.Field,
				Code:    CodeFieldUnknown,
				Message: "filter field not present in the active catalog",
			})
			continue
		}
		if !desc.AllowsOperator(clause.Operator) {
			errs = append(errs, ValidationError{
				Field:   clause.Field,
				Code:    CodeOperatorInvalid,
				Message: fmt.Sprintf("operator %q is not valid for %s field %q", clause.Operator, desc.Type, clause.Field),
			})
		}
	}

	if req.GroupBy != "" && cat != nil && !cat.Has(req.GroupBy) {
		errs = append(errs, ValidationError{
			Field:   req.GroupBy,
			Code:    CodeFieldUnknown,
			Message: "group_by field not present in the active catalog",
		})
	}
	if req.OrderBy != nil && cat != nil && !cat.Has(req.OrderBy.Field) {
		errs = append(errs, ValidationError{
			Field:   req.OrderBy.Field,
			Code:    CodeFieldUnknown,
			Message: "order_by field not present in the active catalog",
		})
	}

	page := req.Page
	if page.Page == 0 {
		page.Page = 1
	}
	if page.PageSize == 0 {
		page.PageSize = v.limits.DefaultPageSize
	}
	if page.Page < 1 {
		errs = append(errs, ValidationError{
			Code:    CodePageInvalid,
			Message: fmt.Sprintf("page must be >= 1, got %d", page.Page),
		})
	}
	if page.PageSize < 1 || page.PageSize > v.limits.MaxPageSize {
		errs = append(errs, ValidationError{
			Code:    CodePageSizeInvalid,
			Message: fmt.Sprintf("page_size must be in [1, %d], got %d", v.limits.MaxPageSize, page.PageSize),
		})
	}

	if len(errs) > 0 {
		return Definition{}, errs
	}

	params := make(map[string]string, len(req.Params))
	for k, val := range req.Params {
		params[k] = val
	}

	return Definition{
		Source:  req.Source,
		Fields:  fields,
		Filters: filters,
		GroupBy: req.GroupBy,
		OrderBy: req.OrderBy,
		Page:    page,
		Params:  params,
	}, nil
}
