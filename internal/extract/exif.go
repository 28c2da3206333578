package extract

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"mnemo/internal/models"
)

// maxEXIFValueLen drops long binary tags such as MakerNote from metadata.
const maxEXIFValueLen = 256

// ParseEXIF decodes EXIF from an image payload. It returns a flat tag map and
// the capture facts. Images without EXIF yield nil for both.
func ParseEXIF(attachmentID string, data []byte) (map[string]any, *models.CaptureFacts) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		return nil, nil
	}

	tags := map[string]any{}
	_ = x.Walk(tagWalker(tags))

	facts := &models.CaptureFacts{AttachmentID: attachmentID}
	if lat, lon, err := x.LatLong(); err == nil && validCoordinate(lat, lon) {
		facts.GPS = &models.GPSPoint{Latitude: lat, Longitude: lon}
		if alt, ok := altitude(x); ok {
			facts.GPS.Altitude = &alt
		}
	}
	if ts, ok := captureTime(x); ok {
		facts.CaptureTime = &ts
	}
	device := models.Device{
		Make:     stringTag(x, exif.Make),
		Model:    stringTag(x, exif.Model),
		Software: stringTag(x, exif.Software),
	}
	if device != (models.Device{}) {
		facts.Device = &device
	}
	if facts.Empty() {
		facts = nil
	}
	return tags, facts
}

type tagWalker map[string]any

func (w tagWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	if tag == nil || strings.HasPrefix(string(name), exif.UnknownPrefix) {
		return nil
	}
	var v any
	switch tag.Format() {
	case tiff.StringVal:
		s, err := tag.StringVal()
		if err != nil {
			return nil
		}
		v = strings.TrimSpace(strings.TrimRight(s, "\x00"))
	case tiff.IntVal:
		if tag.Count != 1 {
			v = tag.String()
			break
		}
		n, err := tag.Int64(0)
		if err != nil {
			return nil
		}
		v = n
	case tiff.RatVal:
		if tag.Count != 1 {
			v = tag.String()
			break
		}
		f, err := ratFloat(tag, 0)
		if err != nil {
			return nil
		}
		v = f
	case tiff.FloatVal:
		f, err := tag.Float(0)
		if err != nil {
			return nil
		}
		v = f
	default:
		return nil
	}
	if s, ok := v.(string); ok && len(s) > maxEXIFValueLen {
		return nil
	}
	w[string(name)] = v
	return nil
}

func ratFloat(tag *tiff.Tag, i int) (float64, error) {
	num, den, err := tag.Rat2(i)
	if err != nil {
		return 0, err
	}
	if den == 0 {
		return 0, fmt.Errorf("zero denominator")
	}
	return float64(num) / float64(den), nil
}

func altitude(x *exif.Exif) (float64, bool) {
	tag, err := x.Get(exif.GPSAltitude)
	if err != nil {
		return 0, false
	}
	alt, err := ratFloat(tag, 0)
	if err != nil {
		return 0, false
	}
	if ref, err := x.Get(exif.GPSAltitudeRef); err == nil {
		if n, err := ref.Int(0); err == nil && n == 1 {
			alt = -alt
		}
	}
	return alt, true
}

// exifTimeLayout is the zone-less EXIF timestamp format.
const exifTimeLayout = "2006:01:02 15:04:05"

// captureTime reads DateTimeOriginal, falling back to DateTime. EXIF carries
// no zone here, so the camera's wall clock is recorded as UTC regardless of
// the server's zone.
func captureTime(x *exif.Exif) (time.Time, bool) {
	for _, name := range []exif.FieldName{exif.DateTimeOriginal, exif.DateTime} {
		raw := stringTag(x, name)
		if raw == "" {
			continue
		}
		ts, err := time.ParseInLocation(exifTimeLayout, raw, time.UTC)
		if err == nil && !ts.IsZero() {
			return ts, true
		}
	}
	return time.Time{}, false
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

func validCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	if lat == 0 && lon == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// captureSummary renders capture facts for vision prompts and metadata.
func captureSummary(f *models.CaptureFacts) map[string]any {
	if f == nil {
		return nil
	}
	out := map[string]any{}
	if f.GPS != nil {
		gps := map[string]any{"latitude": f.GPS.Latitude, "longitude": f.GPS.Longitude}
		if f.GPS.Altitude != nil {
			gps["altitude"] = *f.GPS.Altitude
		}
		out["gps"] = gps
	}
	if f.CaptureTime != nil {
		out["capture_time"] = f.CaptureTime.Format(time.RFC3339)
	}
	if f.Device != nil {
		out["device"] = map[string]any{"make": f.Device.Make, "model": f.Device.Model, "software": f.Device.Software}
	}
	return out
}
