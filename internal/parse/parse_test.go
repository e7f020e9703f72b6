package parse

import "testing"

func TestParse_Appointment(t *testing.T) {
	rec := Parse("Appointment reminder", "scheduler@clinic.com",
		"Your appointment is on 2026-03-15 at 2pm, location: 123 Main St.", "")

	if rec.Type != TypeAppointment {
		t.Errorf("Type = %q, want appointment", rec.Type)
	}
	if rec.Date.IsZero() {
		t.Error("expected date to be extracted")
	}
	if rec.Confidence <= baseConfidence[TypeAppointment] {
		t.Errorf("expected confidence bump from evidence, got %v", rec.Confidence)
	}
}

func TestParse_Bill(t *testing.T) {
	rec := Parse("Your statement is ready", "billing@vendor.com",
		"Amount due: $123.45. Due by 04/01/2026. Invoice number: AB12345.", "")

	if rec.Type != TypeBill {
		t.Errorf("Type = %q, want bill", rec.Type)
	}
	if rec.Amount != 123.45 {
		t.Errorf("Amount = %v, want 123.45", rec.Amount)
	}
	if rec.Currency != "USD" {
		t.Errorf("Currency = %q, want USD", rec.Currency)
	}
	if rec.DueAt.IsZero() {
		t.Error("expected due date to be extracted")
	}
	if rec.ReferenceNumber != "AB12345" {
		t.Errorf("ReferenceNumber = %q, want AB12345", rec.ReferenceNumber)
	}
	if rec.Vendor != "vendor.com" {
		t.Errorf("Vendor = %q, want vendor.com", rec.Vendor)
	}
}

func TestParse_Medication(t *testing.T) {
	rec := Parse("Prescription refill ready", "pharmacy@cvs.com",
		"Your refill for 20mg tabs, take once daily, oral. Prescribed by Dr. Jane Smith.", "")

	if rec.Type != TypeMedication {
		t.Errorf("Type = %q, want medication", rec.Type)
	}
	if rec.Dosage == "" {
		t.Error("expected dosage to be extracted")
	}
	if rec.Frequency == "" {
		t.Error("expected frequency to be extracted")
	}
	if rec.Route != "oral" {
		t.Errorf("Route = %q, want oral", rec.Route)
	}
	if rec.PrescribingProvider != "Dr. Jane Smith" {
		t.Errorf("PrescribingProvider = %q, want %q", rec.PrescribingProvider, "Dr. Jane Smith")
	}
}

func TestParse_General(t *testing.T) {
	rec := Parse("Weekly newsletter", "news@example.com", "Here's what's new this week.", "")
	if rec.Type != TypeGeneral {
		t.Errorf("Type = %q, want general", rec.Type)
	}
}

func TestParse_ICSForcesAppointment(t *testing.T) {
	ics := "BEGIN:VEVENT\nDTSTART:20260301T150000Z\nLOCATION:Clinic\nEND:VEVENT\n"
	rec := Parse("Your statement", "billing@vendor.com", "unrelated body", ics)

	if rec.Type != TypeAppointment {
		t.Errorf("Type = %q, want appointment when ICS is present", rec.Type)
	}
	if rec.StartAt.IsZero() {
		t.Error("expected StartAt from ICS")
	}
}

func TestParse_ConfidenceClamped(t *testing.T) {
	rec := Parse("general message", "nobody@example.com", "nothing interesting here", "")
	if rec.Confidence < 0.05 || rec.Confidence > 0.95 {
		t.Errorf("Confidence = %v, out of [0.05, 0.95]", rec.Confidence)
	}
}
