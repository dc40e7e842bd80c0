package conversation

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/example/errand-matching/internal/models"
)

var (
	phoneStrip    = regexp.MustCompile(`[^\d+]`)
	phonePattern  = regexp.MustCompile(`^\+?\d{10,15}$`)
	bankStrip     = regexp.MustCompile(`[\s-]`)
	bankPattern   = regexp.MustCompile(`^\d{8,20}$`)
	identityRegex = regexp.MustCompile(`^[A-Za-z0-9-]{6,20}$`)
)

func invalid(field, reason string) error {
	return &models.ValidationError{Field: field, Reason: reason}
}

// ValidateName trims and bounds a display name.
func ValidateName(raw string) (string, error) {
	name := strings.Join(strings.Fields(raw), " ")
	n := utf8.RuneCountInString(name)
	if n < 2 || n > 64 {
		return "", invalid("name", "name must be between 2 and 64 characters")
	}
	return name, nil
}

// ValidatePhone strips formatting and accepts 10 to 15 digits with an
// optional leading plus.
func ValidatePhone(raw string) (string, error) {
	phone := phoneStrip.ReplaceAllString(strings.TrimSpace(raw), "")
	if strings.LastIndex(phone, "+") > 0 || !phonePattern.MatchString(phone) {
		return "", invalid("phone", "phone must contain 10 to 15 digits, e.g. +15551234567")
	}
	return phone, nil
}

// ValidateBank accepts an account number of 8 to 20 digits; spaces and dashes are dropped.
func ValidateBank(raw string) (string, error) {
	acct := bankStrip.ReplaceAllString(raw, "")
	if !bankPattern.MatchString(acct) {
		return "", invalid("bank", "account number must be 8 to 20 digits")
	}
	return acct, nil
}

func ValidateIdentity(raw string) (string, error) {
	doc := strings.ToUpper(strings.TrimSpace(raw))
	if !identityRegex.MatchString(doc) {
		return "", invalid("identity", "document number must be 6 to 20 letters, digits or dashes")
	}
	return doc, nil
}

// ValidatePhoto accepts an uploaded file reference or an http(s) URL.
func ValidatePhoto(in Input) (string, error) {
	if in.PhotoRef != "" {
		return in.PhotoRef, nil
	}
	u, err := url.Parse(strings.TrimSpace(in.Text))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", invalid("photo", "send a photo or a link to one")
	}
	return u.String(), nil
}

func ValidateDescription(raw string) (string, error) {
	d := strings.TrimSpace(raw)
	n := utf8.RuneCountInString(d)
	if n < 3 || n > 500 {
		return "", invalid("description", "description must be between 3 and 500 characters")
	}
	return d, nil
}

// ParseCoord reads "lat,lng" with range checks.
func ParseCoord(raw string) (models.Coord, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return models.Coord{}, invalid("location", `send your location or type it as "lat,lng"`)
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return models.Coord{}, invalid("location", `send your location or type it as "lat,lng"`)
	}
	c := models.Coord{Lat: lat, Lon: lon}
	if err := CheckCoord(c); err != nil {
		return models.Coord{}, err
	}
	return c, nil
}

func CheckCoord(c models.Coord) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return invalid("location", "coordinates out of range")
	}
	return nil
}

// ValidateLocation prefers a shared location over typed coordinates.
func ValidateLocation(in Input) (string, error) {
	if in.Location != nil {
		if err := CheckCoord(*in.Location); err != nil {
			return "", err
		}
		return FormatCoord(*in.Location), nil
	}
	c, err := ParseCoord(in.Text)
	if err != nil {
		return "", err
	}
	return FormatCoord(c), nil
}

func FormatCoord(c models.Coord) string {
	return strconv.FormatFloat(c.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(c.Lon, 'f', 6, 64)
}

// ParseConfirm maps yes/no answers to "yes" or "no".
func ParseConfirm(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "y", "ok", "confirm":
		return "yes", nil
	case "no", "n", "cancel":
		return "no", nil
	}
	return "", invalid("confirm", `answer "yes" or "no"`)
}
