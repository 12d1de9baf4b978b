package visitor

import (
	"errors"
	"strings"
	"time"

	"vms.org/internal/validation"
)

// Status is the lifecycle state of a visitor request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ParseStatus validates a status supplied by a caller.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusApproved, StatusRejected:
		return st, true
	}
	return "", false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Gender of the main visitor.
type Gender string

const (
	GenderMale   Gender = "M"
	GenderFemale Gender = "F"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

var (
	ErrNotFound          = errors.New("visitor: request not found")
	ErrForbidden         = errors.New("visitor: request belongs to another user")
	ErrInvalidTransition = errors.New("visitor: status transition not allowed")
)

// MainVisitor describes the person the request is made for.
type MainVisitor struct {
	Title         string `json:"title"`
	Name          string `json:"name"`
	Gender        Gender `json:"gender"`
	Phone         string `json:"phone"`
	Purpose       string `json:"purpose"`
	OfficeOfVisit string `json:"office_of_visit"`
	VisitDate     string `json:"visit_date"`
	VisitTime     string `json:"visit_time"`
}

// Details is the requester-supplied part of a visitor request.
type Details struct {
	MainVisitor        MainVisitor `json:"main_visitor"`
	PhotoURL           string      `json:"photo_url,omitempty"`
	AdditionalVisitors []string    `json:"additional_visitors,omitempty"`
}

// Request is a persisted visitor request.
type Request struct {
	ID                 string      `json:"id"`
	RequesterID        string      `json:"requester_id"`
	MainVisitor        MainVisitor `json:"main_visitor"`
	PhotoURL           string      `json:"photo_url,omitempty"`
	AdditionalVisitors []string    `json:"additional_visitors"`
	Status             Status      `json:"status"`
	DecidedBy          string      `json:"decided_by,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Normalize trims every field and drops blank additional visitors.
func (d Details) Normalize() Details {
	mv := d.MainVisitor
	mv.Title = strings.TrimSpace(mv.Title)
	mv.Name = strings.TrimSpace(mv.Name)
	mv.Gender = Gender(strings.ToUpper(strings.TrimSpace(string(mv.Gender))))
	mv.Phone = strings.TrimSpace(mv.Phone)
	mv.Purpose = strings.TrimSpace(mv.Purpose)
	mv.OfficeOfVisit = strings.TrimSpace(mv.OfficeOfVisit)
	mv.VisitDate = strings.TrimSpace(mv.VisitDate)
	mv.VisitTime = strings.TrimSpace(mv.VisitTime)

	extra := make([]string, 0, len(d.AdditionalVisitors))
	for _, name := range d.AdditionalVisitors {
		if name = strings.TrimSpace(name); name != "" {
			extra = append(extra, name)
		}
	}
	return Details{
		MainVisitor:        mv,
		PhotoURL:           strings.TrimSpace(d.PhotoURL),
		AdditionalVisitors: extra,
	}
}

// Validate reports every missing or malformed main visitor field at once.
func (d Details) Validate() error {
	mv := d.MainVisitor
	v := validation.Violations{}
	validation.Required("title", mv.Title, v)
	validation.Required("name", mv.Name, v)
	validation.Required("gender", string(mv.Gender), v)
	validation.OneOf("gender", string(mv.Gender), []string{string(GenderMale), string(GenderFemale)}, v)
	validation.Required("phone", mv.Phone, v)
	validation.Required("purpose", mv.Purpose, v)
	validation.Required("office_of_visit", mv.OfficeOfVisit, v)
	validation.Required("visit_date", mv.VisitDate, v)
	validation.Layout("visit_date", mv.VisitDate, DateLayout, "YYYY-MM-DD", v)
	validation.Required("visit_time", mv.VisitTime, v)
	validation.Layout("visit_time", mv.VisitTime, TimeLayout, "HH:MM", v)
	return v.Err()
}

// DayCount is the number of requests whose visit falls on Date.
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// MonthCount is the number of requests whose visit falls in Month ("January 2006").
type MonthCount struct {
	Month string `json:"month"`
	Count int    `json:"count"`
}

// Stats summarises a requester's visits by visit date.
type Stats struct {
	Daily   []DayCount   `json:"daily"`
	Monthly []MonthCount `json:"monthly"`
}
