package validation

import (
	"errors"
	"reflect"
	"testing"
)

func TestViolationsCollectEveryField(t *testing.T) {
	v := Violations{}
	Required("name", "", v)
	Required("phone", "  ", v)
	Required("title", "Mr", v)
	OneOf("gender", "X", []string{"M", "F"}, v)
	Layout("visit_date", "2024-13-01", "2006-01-02", "YYYY-MM-DD", v)
	Layout("visit_time", "09:30", "15:04", "HH:MM", v)

	err := v.Err()
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	want := []string{"gender", "name", "phone", "visit_date"}
	if got := verr.Fields(); !reflect.DeepEqual(got, want) {
		t.Fatalf("fields = %v, want %v", got, want)
	}
}

func TestViolationsEmpty(t *testing.T) {
	v := Violations{}
	OneOf("gender", "", []string{"M", "F"}, v)
	if err := v.Err(); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAddKeepsFirstReason(t *testing.T) {
	v := Violations{}
	v.Add("email", "is required")
	v.Add("email", "is malformed")
	if v["email"] != "is required" {
		t.Fatalf("reason overwritten: %q", v["email"])
	}
}
