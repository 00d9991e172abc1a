package rowls

import "testing"

func TestParsePredicateRoundTrip(t *testing.T) {
	cases := []string{
		"true",
		"row.contact_id == claim.contact_id",
		`row.status == "published"`,
		"row.visible == true",
		"row.priority == 3",
		"related(id->job_crew_assignments.job_id).crew_member_id == claim.crew_member_id",
		"related(job_visit_id->job_visits.id; job_id->jobs.id).client_contact_id == claim.contact_id",
		`(row.status == "published" and row.contact_id == claim.contact_id)`,
		`(row.status == "published" or row.contact_id == claim.contact_id)`,
	}
	for _, text := range cases {
		pred, err := ParsePredicate(text)
		if err != nil {
			t.Fatalf("parse %q: %v", text, err)
		}
		reparsed, err := ParsePredicate(pred.String())
		if err != nil {
			t.Fatalf("reparse %q (from %q): %v", pred.String(), text, err)
		}
		if pred.String() != reparsed.String() {
			t.Fatalf("round trip drift: %q -> %q", pred.String(), reparsed.String())
		}
	}
}

func TestParsePredicateShapes(t *testing.T) {
	pred, err := ParsePredicate("related(id->job_crew_assignments.job_id).crew_member_id == claim.crew_member_id")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	er, ok := pred.(*ExistsRelated)
	if !ok {
		t.Fatalf("expected *ExistsRelated, got %T", pred)
	}
	if len(er.Path) != 1 || er.Path[0].TargetEntity != "job_crew_assignments" {
		t.Fatalf("bad path %+v", er.Path)
	}
	if er.TerminalField != "crew_member_id" || er.ClaimKey != ClaimCrewMemberID {
		t.Fatalf("bad terminal %+v", er)
	}

	pred, err = ParsePredicate(`row.status == "published" and row.contact_id == claim.contact_id or true`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// "and" binds tighter than "or"
	or, ok := pred.(*Or)
	if !ok || len(or.Preds) != 2 {
		t.Fatalf("expected top-level or with 2 branches, got %T %s", pred, pred.String())
	}
	if _, ok := or.Preds[0].(*And); !ok {
		t.Fatalf("expected and on the left, got %T", or.Preds[0])
	}
}

func TestParsePredicateRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"yes",
		"row. == claim.contact_id",
		"row.contact_id = claim.contact_id",
		"row.contact_id == claim.",
		"related(id->).x == claim.y",
		"related(id->jobs.id.x == claim.y",
		"row.status == publish ed",
	}
	for _, text := range cases {
		if _, err := ParsePredicate(text); err == nil {
			t.Fatalf("expected error for %q", text)
		}
	}
}
