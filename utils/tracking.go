package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// TrackingToken derives a verifiable token for a message id. The same
// secret must be used when validating inbound pixel/click hits.
func TrackingToken(messageID, secret string) string {
	hash := sha256.Sum256([]byte(messageID + ":" + secret))
	return base64.URLEncoding.EncodeToString(hash[:])[:20]
}

// ValidTrackingToken reports whether a token matches the message id.
func ValidTrackingToken(messageID, token, secret string) bool {
	return token == TrackingToken(messageID, secret)
}

// TrackingPixelURL generates a tracking pixel URL for email opens
func TrackingPixelURL(baseURL, messageID, secret string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", baseURL, url.PathEscape(messageID), TrackingToken(messageID, secret))
}

// ClickTrackURL generates a tracked URL for links
func ClickTrackURL(baseURL, messageID, originalURL, secret string) string {
	encodedURL := url.QueryEscape(originalURL)
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s", baseURL, url.PathEscape(messageID), TrackingToken(messageID, secret), encodedURL)
}

// InjectTracking appends an open-tracking pixel and rewrites links for
// click tracking.
func InjectTracking(htmlContent, baseURL, messageID, secret string) string {
	pixelURL := TrackingPixelURL(baseURL, messageID, secret)
	trackingPixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)

	modifiedHTML := injectClickTracking(htmlContent, baseURL, messageID, secret)

	return modifiedHTML + trackingPixel
}

func injectClickTracking(html, baseURL, messageID, secret string) string {
	const startTag = `<a href="`
	const endTag = `"`
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
		trackedURL := ClickTrackURL(baseURL, messageID, originalURL, secret)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}
