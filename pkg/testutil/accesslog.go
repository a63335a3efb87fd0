package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AccessLogLine builds one well-formed raw access-log line for tests. Zero
// fields get plausible defaults so tests only state what they assert on.
type AccessLogLine struct {
	Timestamp  time.Time
	Bucket     string
	ClientIP   string
	Operation  string
	ObjectKey  string
	RequestURI string
	UserAgent  string
	StatusCode int
	BytesSent  uint64

	// TrailingTokens overrides the count of provider-appended trailing
	// fields (host ID through ACL flag). The full layout has 9; older
	// lines carry 7 or 8.
	TrailingTokens int
}

// String renders the line in the full 26-token layout (minus any trailing
// tokens trimmed via TrailingTokens).
func (line AccessLogLine) String() string {
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Date(2024, 8, 10, 12, 30, 45, 0, time.UTC)
	}
	if line.Bucket == "" {
		line.Bucket = "archive-bucket"
	}
	if line.ClientIP == "" {
		line.ClientIP = "192.0.2.10"
	}
	if line.Operation == "" {
		line.Operation = "REST.GET.OBJECT"
	}
	if line.ObjectKey == "" {
		line.ObjectKey = "blobs/abc/def/abcdef0123456789"
	}
	if line.RequestURI == "" {
		line.RequestURI = fmt.Sprintf("GET /%s HTTP/1.1", line.ObjectKey)
	}
	if line.UserAgent == "" {
		line.UserAgent = "python-requests/2.31.0"
	}
	if line.StatusCode == 0 {
		line.StatusCode = 200
	}
	if line.TrailingTokens == 0 {
		line.TrailingTokens = 9
	}

	trailing := []string{
		"HOSTID0123456789",
		"SigV4",
		"ECDHE-RSA-AES128-GCM-SHA256",
		"AuthHeader",
		"s3.amazonaws.com",
		"TLSv1.2",
		"-",
		"-",
		"-",
	}[:line.TrailingTokens]

	tokens := []string{
		"8787a3c79e...owner",
		line.Bucket,
		"[" + line.Timestamp.Format("02/Jan/2006:15:04:05 -0700") + "]",
		line.ClientIP,
		"-",
		"REQID0123456789AB",
		line.Operation,
		line.ObjectKey,
		`"` + line.RequestURI + `"`,
		fmt.Sprintf("%d", line.StatusCode),
		"-",
		bytesSentToken(line.BytesSent),
		bytesSentToken(line.BytesSent),
		"37",
		"12",
		`"-"`,
		`"` + line.UserAgent + `"`,
	}
	return strings.Join(append(tokens, trailing...), " ")
}

// bytesSentToken renders the bytes-sent field the way the log format does:
// zero-byte responses carry a dash instead of a count.
func bytesSentToken(bytesSent uint64) string {
	if bytesSent == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", bytesSent)
}

// WriteRawLog writes one raw log file under root at relPath, creating
// intermediate directories.
func WriteRawLog(root, relPath string, lines ...string) (string, error) {
	path := filepath.Join(root, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
