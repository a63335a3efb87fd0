package accesslog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// The access-log grammar is space-separated with two kinds of compound
// fields: double-quoted strings (request URI, referer, user agent) and a
// bracketed timestamp. A single alternation handles all three token kinds;
// no fixed column count is assumed since the provider has shifted trailing
// fields over the years.
var tokenPattern = regexp.MustCompile(`"([^"]+)"|\[([^]]+)]|([^ ]+)`)

const (
	// Token counts observed in well-formed lines. Some lines omit one or
	// two trailing fields; they are padded rather than rejected.
	minTokenCount = 24
	maxTokenCount = 26
)

// Token indices of the fields of interest.
const (
	fieldBucketOwner = iota
	fieldBucket
	fieldTimestamp
	fieldClientIP
	fieldRequester
	fieldRequestID
	fieldOperation
	fieldObjectKey
	fieldRequestURI
	fieldStatusCode
	fieldErrorCode
	fieldBytesSent
	fieldObjectSize
	fieldTotalTime
	fieldTurnAroundTime
	fieldReferer
	fieldUserAgent
	fieldVersionID
)

const timestampLayout = "02/Jan/2006:15:04:05 -0700"

// shortTimestampLayout tolerates date-only timestamps, which appear in
// hand-consolidated historical files.
const shortTimestampLayout = "02/Jan/2006"

// DecodeLine parses one raw log line into an AccessRecord, or returns a
// DecodeFailure describing why it could not. Decoding is pure and
// deterministic: the same line always yields the same result, and no
// malformed input escalates beyond a DecodeFailure.
func DecodeLine(rawLine string) (AccessRecord, *DecodeFailure) {
	if !utf8.ValidString(rawLine) {
		return AccessRecord{}, &DecodeFailure{
			RawLine: rawLine,
			Reason:  "line is not valid UTF-8",
		}
	}

	tokens := tokenize(rawLine)

	// More tokens than any known layout means unescaped quotes split a
	// compound field apart. Scrubbing the quoted regions and re-parsing
	// recovers most such lines.
	if len(tokens) > maxTokenCount {
		tokens = tokenize(scrubQuotedRegions(rawLine))
	}

	if len(tokens) < minTokenCount || len(tokens) > maxTokenCount {
		return AccessRecord{}, &DecodeFailure{
			RawLine: rawLine,
			Reason:  fmt.Sprintf("unexpected field count %d", len(tokens)),
		}
	}
	for len(tokens) < maxTokenCount {
		tokens = append(tokens, "-")
	}

	timestamp, err := parseTimestamp(tokens[fieldTimestamp])
	if err != nil {
		return AccessRecord{}, &DecodeFailure{
			RawLine: rawLine,
			Reason:  fmt.Sprintf("bad timestamp %q: %v", tokens[fieldTimestamp], err),
		}
	}

	statusCode, err := strconv.Atoi(tokens[fieldStatusCode])
	if err != nil {
		return AccessRecord{}, &DecodeFailure{
			RawLine: rawLine,
			Reason:  fmt.Sprintf("bad status code %q", tokens[fieldStatusCode]),
		}
	}

	bytesSent, err := parseByteCount(tokens[fieldBytesSent])
	if err != nil {
		return AccessRecord{}, &DecodeFailure{
			RawLine: rawLine,
			Reason:  fmt.Sprintf("bad bytes-sent field %q", tokens[fieldBytesSent]),
		}
	}

	return AccessRecord{
		Timestamp:      timestamp,
		BucketOwner:    tokens[fieldBucketOwner],
		Bucket:         tokens[fieldBucket],
		ClientIP:       tokens[fieldClientIP],
		Requester:      tokens[fieldRequester],
		RequestID:      tokens[fieldRequestID],
		Operation:      tokens[fieldOperation],
		ObjectKey:      tokens[fieldObjectKey],
		RequestURI:     tokens[fieldRequestURI],
		ErrorCode:      tokens[fieldErrorCode],
		ObjectSize:     tokens[fieldObjectSize],
		TotalTime:      tokens[fieldTotalTime],
		TurnAroundTime: tokens[fieldTurnAroundTime],
		Referer:        tokens[fieldReferer],
		UserAgent:      tokens[fieldUserAgent],
		VersionID:      tokens[fieldVersionID],
		BytesSent:      bytesSent,
		StatusCode:     statusCode,
	}, nil
}

// tokenize splits a raw line into field tokens, unwrapping quoted and
// bracketed compound fields.
func tokenize(rawLine string) []string {
	matches := tokenPattern.FindAllStringSubmatch(rawLine, -1)
	tokens := make([]string, 0, len(matches))
	for _, match := range matches {
		switch {
		case match[1] != "":
			tokens = append(tokens, match[1])
		case match[2] != "":
			tokens = append(tokens, match[2])
		default:
			tokens = append(tokens, match[3])
		}
	}
	return tokens
}

// scrubQuotedRegions replaces every quoted region of the line with "-".
// User agents containing unescaped double quotes break the token grammar;
// no single regex was found that parses such lines, so the quoted content
// (never a field the pipeline keeps) is discarded instead.
func scrubQuotedRegions(rawLine string) string {
	openers := substringIndices(rawLine, ` "`)
	closers := substringIndices(rawLine, `" `)
	if len(openers) == 0 || len(openers) != len(closers) {
		return rawLine
	}

	var scrubbed strings.Builder
	scrubbed.WriteString(rawLine[:openers[0]])
	for i := 1; i < len(openers); i++ {
		scrubbed.WriteString(" - ")
		// Adjacent quoted fields leave nothing between closer and opener.
		if start := closers[i-1] + 2; start < openers[i] {
			scrubbed.WriteString(rawLine[start:openers[i]])
		}
	}
	scrubbed.WriteString(" - ")
	scrubbed.WriteString(rawLine[closers[len(closers)-1]+2:])
	return scrubbed.String()
}

func substringIndices(s, substring string) []int {
	var indices []int
	start := 0
	for {
		next := strings.Index(s[start:], substring)
		if next == -1 {
			return indices
		}
		indices = append(indices, start+next)
		start += next + 1
	}
}

func parseTimestamp(token string) (time.Time, error) {
	timestamp, err := time.Parse(timestampLayout, token)
	if err == nil {
		return timestamp, nil
	}
	return time.Parse(shortTimestampLayout, token)
}

// parseByteCount handles the "-" placeholder the log format uses for
// zero-byte responses.
func parseByteCount(token string) (uint64, error) {
	if token == "-" {
		return 0, nil
	}
	return strconv.ParseUint(token, 10, 64)
}
