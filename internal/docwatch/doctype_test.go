package docwatch

import "testing"

func TestNormalizeDocType(t *testing.T) {
	cases := []struct {
		raw  string
		want DocType
	}{
		{"doc", DocTypeText},
		{"DOCX", DocTypeText},
		{"wiki", DocTypeText},
		{"sheet", DocTypeSpreadsheet},
		{"xlsx", DocTypeSpreadsheet},
		{"bitable", DocTypeTable},
		{"database", DocTypeTable},
		{" table ", DocTypeTable},
		{"whiteboard", DocTypeFile},
		{"", DocTypeFile},
		{"text-doc", DocTypeText},
	}
	for _, tc := range cases {
		if got := NormalizeDocType(tc.raw); got != tc.want {
			t.Fatalf("NormalizeDocType(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestIsKnownDocType(t *testing.T) {
	for _, known := range []DocType{DocTypeText, DocTypeSpreadsheet, DocTypeTable, DocTypeFile} {
		if !IsKnownDocType(known) {
			t.Fatalf("expected %s to be a known doc type", known)
		}
	}
	if IsKnownDocType(DocType("whiteboard")) {
		t.Fatalf("expected raw upstream string to be unknown")
	}
}

func TestNormalizeChangeType(t *testing.T) {
	if got := NormalizeChangeType("title_update"); got != ChangeRename {
		t.Fatalf("expected rename, got %s", got)
	}
	if got := NormalizeChangeType("edited"); got != ChangeEdit {
		t.Fatalf("expected edit, got %s", got)
	}
	if got := NormalizeChangeType("mystery"); got != ChangeUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
}
