package docwatch

import "strings"

// DocType is the closed variant set all raw upstream type strings collapse
// into at the metadata-client boundary. Downstream code switches on this
// enum, never on raw strings.
type DocType string

const (
	DocTypeText        DocType = "text-doc"
	DocTypeSpreadsheet DocType = "spreadsheet"
	DocTypeTable       DocType = "structured-table"
	DocTypeFile        DocType = "generic-file"
)

// NormalizeDocType maps a raw upstream document type string onto the DocType
// enum. Unrecognized strings fall back to DocTypeFile: metadata fetching must
// degrade gracefully rather than fail on a type the service has not seen.
func NormalizeDocType(raw string) DocType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "doc", "docx", "docs", "document", "text", "text-doc", "wiki":
		return DocTypeText
	case "sheet", "sheets", "xlsx", "spreadsheet":
		return DocTypeSpreadsheet
	case "bitable", "base", "table", "grid", "structured-table", "database":
		return DocTypeTable
	default:
		return DocTypeFile
	}
}

// IsKnownDocType reports whether value is already a member of the enum.
func IsKnownDocType(value DocType) bool {
	switch value {
	case DocTypeText, DocTypeSpreadsheet, DocTypeTable, DocTypeFile:
		return true
	}
	return false
}
