package ui

import (
	"strings"
	"testing"
)

func TestSimpleTable(t *testing.T) {
	table := NewSimpleTable("Targets", []string{"NAME", "STATUS"})
	table.AddRow("backend", "passed")
	table.AddRow("frontend", "failed")

	view := table.View(NewStyles())

	if !strings.Contains(view, "Targets") {
		t.Error("View missing title")
	}
	if !strings.Contains(view, "backend") {
		t.Error("View missing cell content")
	}
	if !strings.Contains(view, "NAME") {
		t.Error("View missing header")
	}
}

func TestSimpleTable_EmptyRendersNothing(t *testing.T) {
	table := NewSimpleTable("Empty", []string{"A"})
	if view := table.View(NewStyles()); view != "" {
		t.Errorf("empty table should render nothing, got %q", view)
	}
}

func TestStatusStyle(t *testing.T) {
	s := NewStyles()

	cases := []struct {
		status string
		want   string
	}{
		{"passed", s.Success.Render("x")},
		{"failed", s.Error.Render("x")},
		{"skipped", s.Warning.Render("x")},
		{"running", s.Body.Render("x")},
	}
	for _, tc := range cases {
		if got := s.StatusStyle(tc.status).Render("x"); got != tc.want {
			t.Errorf("StatusStyle(%q) rendered %q, want %q", tc.status, got, tc.want)
		}
	}
}
