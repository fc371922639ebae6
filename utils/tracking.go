package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens.
// An open is how the email channel reports the "read" stage.
func GenerateTrackingPixelURL(baseURL, messageID string) string {
	token := generateUniqueToken(messageID)
	return fmt.Sprintf("%s/track/open/%s/%s", baseURL, messageID, token)
}

// InjectOpenTracking appends the tracking pixel to email HTML content
func InjectOpenTracking(htmlContent, baseURL, messageID string) string {
	pixelURL := GenerateTrackingPixelURL(baseURL, messageID)
	trackingPixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)
	return htmlContent + trackingPixel
}

// ValidTrackingToken verifies that a pixel request carries the token derived
// from its message id, so counters can't be inflated by guessing URLs.
func ValidTrackingToken(messageID, token string) bool {
	return token == generateUniqueToken(messageID)
}

func generateUniqueToken(messageID string) string {
	hash := sha256.Sum256([]byte(messageID + ":leadflow-track"))
	return base64.RawURLEncoding.EncodeToString(hash[:8])
}

// TransparentPixel is a 1x1 transparent GIF served on open-tracking hits
func TransparentPixel() []byte {
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
