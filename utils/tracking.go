package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrLinkMismatch is returned when a click token was not issued for the
// requested link.
var ErrLinkMismatch = errors.New("tracking token does not match link")

// TrackingClaims identify the message an open or click belongs to. Click
// tokens also carry a digest of the one link they were issued for.
type TrackingClaims struct {
	ProviderRef  string `json:"ref"`
	LeadID       uint   `json:"lid"`
	EnrollmentID uint   `json:"eid"`
	Link         string `json:"lnk,omitempty"`
	jwt.RegisteredClaims
}

func linkDigest(link string) string {
	sum := sha256.Sum256([]byte(link))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Tracker signs and verifies tracking links.
type Tracker struct {
	BaseURL string
	secret  []byte
	ttl     time.Duration
}

func NewTracker(baseURL, secret string, ttl time.Duration) *Tracker {
	return &Tracker{
		BaseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		ttl:     ttl,
	}
}

// Token signs the open-tracking claims of a single message.
func (t *Tracker) Token(ref string, leadID, enrollmentID uint) (string, error) {
	return t.sign(TrackingClaims{ProviderRef: ref, LeadID: leadID, EnrollmentID: enrollmentID})
}

// LinkToken signs click-tracking claims bound to link.
func (t *Tracker) LinkToken(ref string, leadID, enrollmentID uint, link string) (string, error) {
	return t.sign(TrackingClaims{ProviderRef: ref, LeadID: leadID, EnrollmentID: enrollmentID, Link: linkDigest(link)})
}

func (t *Tracker) sign(claims TrackingClaims) (string, error) {
	claims.IssuedAt = jwt.NewNumericDate(time.Now())
	if t.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(t.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse verifies a tracking token and returns its claims.
func (t *Tracker) Parse(token string) (*TrackingClaims, error) {
	claims := &TrackingClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid tracking token")
	}
	return claims, nil
}

// ParseClick verifies a click token and that it was issued for link.
func (t *Tracker) ParseClick(token, link string) (*TrackingClaims, error) {
	claims, err := t.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Link == "" || claims.Link != linkDigest(link) {
		return nil, ErrLinkMismatch
	}
	return claims, nil
}

// PixelURL generates a tracking pixel URL for email opens
func (t *Tracker) PixelURL(token string) string {
	return fmt.Sprintf("%s/track/open/%s", t.BaseURL, token)
}

// ClickURL generates a tracked URL for links
func (t *Tracker) ClickURL(token, originalURL string) string {
	return fmt.Sprintf("%s/track/click/%s?url=%s", t.BaseURL, token, url.QueryEscape(originalURL))
}

// InjectTracking rewrites links and appends an open pixel to an HTML body.
// Every link gets its own token.
func (t *Tracker) InjectTracking(htmlContent, ref string, leadID, enrollmentID uint) (string, error) {
	token, err := t.Token(ref, leadID, enrollmentID)
	if err != nil {
		return "", err
	}
	html, err := t.injectClickTracking(htmlContent, func(link string) (string, error) {
		return t.LinkToken(ref, leadID, enrollmentID, link)
	})
	if err != nil {
		return "", err
	}
	trackingPixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, t.PixelURL(token))
	return html + trackingPixel, nil
}

func (t *Tracker) injectClickTracking(html string, tokenFor func(link string) (string, error)) (string, error) {
	// Only double-quoted href attributes are rewritten.
	startTag := "<a href=\""
	endTag := "\""
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		token, err := tokenFor(originalURL)
		if err != nil {
			return "", err
		}
		trackedURL := t.ClickURL(token, originalURL)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html, nil
}
