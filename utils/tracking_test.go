package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackingTokenIsDeterministicAndSecretBound(t *testing.T) {
	token := TrackingToken("msg-1", "secret")

	assert.Equal(t, token, TrackingToken("msg-1", "secret"))
	assert.True(t, ValidTrackingToken("msg-1", token, "secret"))
	assert.False(t, ValidTrackingToken("msg-2", token, "secret"))
	assert.False(t, ValidTrackingToken("msg-1", token, "other-secret"))
	assert.Len(t, token, 20)
}

func TestInjectTracking(t *testing.T) {
	html := `<p>Hi</p><a href="https://example.com/pricing">Pricing</a>`
	out := InjectTracking(html, "http://localhost:5000", "msg-1", "secret")

	assert.Contains(t, out, "/track/open/msg-1/")
	assert.Contains(t, out, `<img src=`)
	assert.Contains(t, out, "/track/click/msg-1/")
	assert.Contains(t, out, "url=https%3A%2F%2Fexample.com%2Fpricing")
	assert.NotContains(t, out, `href="https://example.com/pricing"`, "original link rewritten")
}

func TestInjectTrackingRewritesAllLinks(t *testing.T) {
	html := `<a href="https://a.example">a</a> and <a href="https://b.example">b</a>`
	out := InjectTracking(html, "http://localhost:5000", "msg-1", "secret")

	assert.Equal(t, 2, strings.Count(out, "/track/click/msg-1/"))
}

func TestParseMessageID(t *testing.T) {
	assert.Equal(t, "abc-123", ParseMessageID("<abc-123@example.com>"))
	assert.Equal(t, "abc-123", ParseMessageID("abc-123@example.com"))
	assert.Equal(t, "abc-123", ParseMessageID(" <abc-123@example.com> "))
	assert.Equal(t, "abc-123", ParseMessageID("abc-123"))
	assert.Equal(t, "", ParseMessageID(""))
}

func TestFormatMessageID(t *testing.T) {
	assert.Equal(t, "<id-1@example.com>", formatMessageID("id-1", "sales@example.com"))
	assert.Equal(t, "<id-1@localhost>", formatMessageID("id-1", "not-an-address"))

	// Round trip
	assert.Equal(t, "id-1", ParseMessageID(formatMessageID("id-1", "sales@example.com")))
}
