package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mnemo/internal/models"
)

// SubmitCaptureFacts records EXIF-derived facts for an attachment, replacing
// any earlier submission for the same attachment.
func (s *Store) SubmitCaptureFacts(ctx context.Context, facts models.CaptureFacts) error {
	if facts.AttachmentID == "" {
		return fmt.Errorf("attachment_id is required")
	}
	if facts.Empty() {
		return nil
	}
	if facts.RecordedAt.IsZero() {
		facts.RecordedAt = time.Now().UTC()
	}

	var lat, lon, alt any
	if facts.GPS != nil {
		lat, lon = facts.GPS.Latitude, facts.GPS.Longitude
		if facts.GPS.Altitude != nil {
			alt = *facts.GPS.Altitude
		}
	}
	var deviceMake, deviceModel, software any
	if facts.Device != nil {
		deviceMake = nullIfEmpty(facts.Device.Make)
		deviceModel = nullIfEmpty(facts.Device.Model)
		software = nullIfEmpty(facts.Device.Software)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capture_facts (
			attachment_id, latitude, longitude, altitude, capture_time,
			device_make, device_model, device_software, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(attachment_id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			altitude = excluded.altitude,
			capture_time = excluded.capture_time,
			device_make = excluded.device_make,
			device_model = excluded.device_model,
			device_software = excluded.device_software,
			recorded_at = excluded.recorded_at
	`, facts.AttachmentID, lat, lon, alt, nullTime(facts.CaptureTime),
		deviceMake, deviceModel, software, dbFormatTime(facts.RecordedAt))
	return err
}

// GetCaptureFacts returns recorded facts for an attachment, or nil.
func (s *Store) GetCaptureFacts(ctx context.Context, attachmentID string) (*models.CaptureFacts, error) {
	var lat, lon, alt sql.NullFloat64
	var captureTime, deviceMake, deviceModel, software sql.NullString
	var recordedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT latitude, longitude, altitude, capture_time, device_make, device_model, device_software, recorded_at
		FROM capture_facts WHERE attachment_id = ?
	`, attachmentID).Scan(&lat, &lon, &alt, &captureTime, &deviceMake, &deviceModel, &software, &recordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	facts := models.CaptureFacts{AttachmentID: attachmentID}
	if lat.Valid && lon.Valid {
		facts.GPS = &models.GPSPoint{Latitude: lat.Float64, Longitude: lon.Float64}
		if alt.Valid {
			v := alt.Float64
			facts.GPS.Altitude = &v
		}
	}
	if facts.CaptureTime, err = dbParseNullTime(captureTime); err != nil {
		return nil, err
	}
	if deviceMake.Valid || deviceModel.Valid || software.Valid {
		facts.Device = &models.Device{Make: deviceMake.String, Model: deviceModel.String, Software: software.String}
	}
	if facts.RecordedAt, err = dbParseTime(recordedAt); err != nil {
		return nil, err
	}
	return &facts, nil
}
