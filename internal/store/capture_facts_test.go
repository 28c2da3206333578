package store

import (
	"context"
	"testing"
	"time"

	"mnemo/internal/models"
)

func TestSubmitAndGetCaptureFacts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	alt := 35.5
	taken := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	facts := models.CaptureFacts{
		AttachmentID: "at-photo",
		GPS:          &models.GPSPoint{Latitude: 48.8584, Longitude: 2.2945, Altitude: &alt},
		CaptureTime:  &taken,
		Device:       &models.Device{Make: "Canon", Model: "EOS R5"},
	}
	if err := st.SubmitCaptureFacts(ctx, facts); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := st.GetCaptureFacts(ctx, "at-photo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.GPS == nil {
		t.Fatalf("expected gps facts, got %#v", got)
	}
	if got.GPS.Latitude != 48.8584 || got.GPS.Longitude != 2.2945 || *got.GPS.Altitude != alt {
		t.Fatalf("unexpected gps %#v", got.GPS)
	}
	if got.CaptureTime == nil || !got.CaptureTime.Equal(taken) {
		t.Fatalf("unexpected capture time %v", got.CaptureTime)
	}
	if got.Device == nil || got.Device.Model != "EOS R5" {
		t.Fatalf("unexpected device %#v", got.Device)
	}

	facts.Device = nil
	if err := st.SubmitCaptureFacts(ctx, facts); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	got, _ = st.GetCaptureFacts(ctx, "at-photo")
	if got.Device != nil {
		t.Fatalf("expected device cleared on resubmit, got %#v", got.Device)
	}
}

func TestSubmitEmptyCaptureFactsIsNoop(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.SubmitCaptureFacts(ctx, models.CaptureFacts{AttachmentID: "at-x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := st.GetCaptureFacts(ctx, "at-x")
	if err != nil || got != nil {
		t.Fatalf("expected no facts, got %#v err=%v", got, err)
	}
}
